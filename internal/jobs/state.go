package jobs

// transitions は状態ごとに許可される遷移先です。同じ状態への再書き込みは常に許可します。
var transitions = map[Status][]Status{
	StatusCreated:            {StatusIngesting, StatusChunkingInProgress},
	StatusIngesting:          {StatusCreated, StatusFailed},
	StatusChunkingInProgress: {StatusCreated, StatusChunkingComplete, StatusFailed},
	StatusChunkingComplete:   {StatusReassembling, StatusCompleted, StatusFailed},
	StatusReassembling:       {StatusCompleted, StatusFailed},
	StatusCompleted:          {StatusDeleted},
	StatusFailed:             {StatusDeleted},
	StatusDeleted:            nil,
}

// CanTransition は from から to への遷移が許可されているかを返します。
func CanTransition(from, to Status) bool {
	if from == to {
		_, known := transitions[from]
		return known
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Deletable は削除要求を受け付けられる状態かを返します。
func Deletable(s Status) bool {
	return CanTransition(s, StatusDeleted)
}
