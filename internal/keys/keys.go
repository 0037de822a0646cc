// Package keys は各ステージが互いの成果物を参照するための正規キーとメッセージ形式を提供します。
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed はキーまたはペイロードが解釈できない場合に返されます。
var ErrMalformed = errors.New("malformed key or payload")

// Mode は立体視の出力形式です。
type Mode string

const (
	ModeAnaglyph   Mode = "anaglyph"
	ModeSideBySide Mode = "side-by-side"
)

// Valid は既知の出力形式かどうかを返します。
func (m Mode) Valid() bool {
	return m == ModeAnaglyph || m == ModeSideBySide
}

// ParseMode は文字列を Mode に変換します。
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeAnaglyph):
		return ModeAnaglyph, nil
	case string(ModeSideBySide), "sbs", "side_by_side":
		return ModeSideBySide, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrMalformed, raw)
	}
}

const (
	segmentPrefix = "segments/"
	inputPrefix   = "input/"
	outputPrefix  = "jobs/"

	sourceName    = "source"
	finalName     = "final"
	sentinelName  = ".reassembly-done"
	outputSegDir  = "segments"
	segmentDigits = 5
)

// Segment は分割済みセグメントのキーを組み立てます。
// 例: segments/{job}/00003_00010_anaglyph
func Segment(jobID string, index, total int, mode Mode) string {
	return fmt.Sprintf("%s%s/%0*d_%0*d_%s", segmentPrefix, jobID, segmentDigits, index, segmentDigits, total, mode)
}

// SegmentRef はセグメントキーから復元した情報です。
type SegmentRef struct {
	JobID         string
	Index         int
	TotalSegments int
	Mode          Mode
}

// ParseSegment はセグメントキーを解析します。index >= total のキーは不正として扱います。
func ParseSegment(key string) (SegmentRef, error) {
	rest, ok := strings.CutPrefix(key, segmentPrefix)
	if !ok {
		return SegmentRef{}, fmt.Errorf("%w: not a segment key: %q", ErrMalformed, key)
	}
	jobID, name, ok := strings.Cut(rest, "/")
	if !ok || !validJobID(jobID) || strings.Contains(name, "/") {
		return SegmentRef{}, fmt.Errorf("%w: segment key layout: %q", ErrMalformed, key)
	}
	parts := strings.SplitN(name, "_", 3)
	if len(parts) != 3 {
		return SegmentRef{}, fmt.Errorf("%w: segment name: %q", ErrMalformed, name)
	}
	index, err := parsePadded(parts[0])
	if err != nil {
		return SegmentRef{}, err
	}
	total, err := parsePadded(parts[1])
	if err != nil {
		return SegmentRef{}, err
	}
	if total < 1 || index >= total {
		return SegmentRef{}, fmt.Errorf("%w: segment index %d out of range for total %d", ErrMalformed, index, total)
	}
	mode := Mode(parts[2])
	if !mode.Valid() {
		return SegmentRef{}, fmt.Errorf("%w: segment mode %q", ErrMalformed, parts[2])
	}
	return SegmentRef{JobID: jobID, Index: index, TotalSegments: total, Mode: mode}, nil
}

// parsePadded はゼロ埋めされた非負整数を読み取ります。桁数は最小幅以上であれば受け付けます。
func parsePadded(raw string) (int, error) {
	if len(raw) < segmentDigits {
		return 0, fmt.Errorf("%w: %q is not zero-padded", ErrMalformed, raw)
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q is not numeric", ErrMalformed, raw)
		}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	// 同じ値に別表記が生まれないよう、Segment と同じ書式に戻ることを確認する
	if fmt.Sprintf("%0*d", segmentDigits, n) != raw {
		return 0, fmt.Errorf("%w: %q has redundant padding", ErrMalformed, raw)
	}
	return n, nil
}

// SegmentPrefix はジョブの入力側セグメント一覧用プレフィックスです。
func SegmentPrefix(jobID string) string {
	return segmentPrefix + jobID + "/"
}

// Source は元動画のキーです。
func Source(jobID string) string {
	return inputPrefix + jobID + "/" + sourceName
}

// ParseSource は元動画キーからジョブIDを取り出します。
func ParseSource(key string) (string, error) {
	rest, ok := strings.CutPrefix(key, inputPrefix)
	if !ok {
		return "", fmt.Errorf("%w: not a source key: %q", ErrMalformed, key)
	}
	jobID, name, ok := strings.Cut(rest, "/")
	if !ok || name != sourceName || !validJobID(jobID) {
		return "", fmt.Errorf("%w: source key layout: %q", ErrMalformed, key)
	}
	return jobID, nil
}

// OutputPrefix はジョブの出力側成果物のプレフィックスです。
func OutputPrefix(jobID string) string {
	return outputPrefix + jobID + "/"
}

// OutputSegment は推論済みセグメントのキーです。
func OutputSegment(jobID string, index int) string {
	return fmt.Sprintf("%s%s/%s/%d", outputPrefix, jobID, outputSegDir, index)
}

// Final は最終成果物のキーです。
func Final(jobID string) string {
	return outputPrefix + jobID + "/" + finalName
}

// ReassemblyDone は再結合完了を示す番兵オブジェクトのキーです。
func ReassemblyDone(jobID string) string {
	return outputPrefix + jobID + "/" + sentinelName
}

// Kind はキーの種別です。
type Kind int

const (
	KindUnknown Kind = iota
	KindSource
	KindSegment
	KindOutputSegment
	KindFinal
	KindReassemblyDone
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindSegment:
		return "segment"
	case KindOutputSegment:
		return "output_segment"
	case KindFinal:
		return "final"
	case KindReassemblyDone:
		return "reassembly_done"
	default:
		return "unknown"
	}
}

// Classified は Classify の結果です。種別に応じて Segment または Index が埋まります。
type Classified struct {
	Kind    Kind
	JobID   string
	Index   int
	Segment SegmentRef
}

// Classify はキーの種別を判定し、含まれる識別子を取り出します。
func Classify(key string) (Classified, error) {
	switch {
	case strings.HasPrefix(key, inputPrefix):
		jobID, err := ParseSource(key)
		if err != nil {
			return Classified{}, err
		}
		return Classified{Kind: KindSource, JobID: jobID}, nil
	case strings.HasPrefix(key, segmentPrefix):
		ref, err := ParseSegment(key)
		if err != nil {
			return Classified{}, err
		}
		return Classified{Kind: KindSegment, JobID: ref.JobID, Index: ref.Index, Segment: ref}, nil
	case strings.HasPrefix(key, outputPrefix):
		return classifyOutput(key)
	default:
		return Classified{}, fmt.Errorf("%w: unknown key prefix: %q", ErrMalformed, key)
	}
}

func classifyOutput(key string) (Classified, error) {
	rest := strings.TrimPrefix(key, outputPrefix)
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || !validJobID(parts[0]) {
		return Classified{}, fmt.Errorf("%w: output key layout: %q", ErrMalformed, key)
	}
	jobID := parts[0]
	switch {
	case len(parts) == 2 && parts[1] == finalName:
		return Classified{Kind: KindFinal, JobID: jobID}, nil
	case len(parts) == 2 && parts[1] == sentinelName:
		return Classified{Kind: KindReassemblyDone, JobID: jobID}, nil
	case len(parts) == 3 && parts[1] == outputSegDir:
		index, err := strconv.Atoi(parts[2])
		if err != nil || index < 0 || strconv.Itoa(index) != parts[2] {
			return Classified{}, fmt.Errorf("%w: output segment index: %q", ErrMalformed, key)
		}
		return Classified{Kind: KindOutputSegment, JobID: jobID, Index: index}, nil
	default:
		return Classified{}, fmt.Errorf("%w: unknown output key: %q", ErrMalformed, key)
	}
}

func validJobID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/ \t\n")
}
