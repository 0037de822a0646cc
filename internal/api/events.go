package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/stereo-forge/internal/keys"
)

// 通知本文の上限（ストレージ通知は複数レコードをまとめて送ってくる）
const maxEventBody = 1 << 20

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody+1))
	if err != nil {
		abort(c, http.StatusBadRequest, "INVALID_INPUT", "本文を読み取れませんでした。")
		return nil, false
	}
	if len(body) > maxEventBody {
		abort(c, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "本文が大きすぎます。")
		return nil, false
	}
	return body, true
}

// storageEvents はストレージの作成通知（webhook）を受け、各ステージのキューへ振り分けます。
func (s *Server) storageEvents(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	routed, err := s.router.RouteBody(c.Request.Context(), body)
	if err != nil {
		if errors.Is(err, keys.ErrMalformed) {
			abort(c, http.StatusBadRequest, "INVALID_EVENT", "ストレージ通知の形式が正しくありません。")
			return
		}
		s.log.Warn("route storage event failed", "routed", routed, "error", err)
		abort(c, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "イベントの転送に失敗しました。")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"routed": routed})
}

// inferenceNotification は非同期推論バックエンドの完了通知を通知キューへ中継します。
func (s *Server) inferenceNotification(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	note, err := keys.DecodeInferenceNotification(body)
	if err != nil {
		abort(c, http.StatusBadRequest, "INVALID_NOTIFICATION", "推論通知の形式が正しくありません。")
		return
	}
	if err := s.notify.Send(c.Request.Context(), body); err != nil {
		s.log.Warn("relay inference notification failed", "location", note.OutputLocation(), "error", err)
		abort(c, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "通知の転送に失敗しました。")
		return
	}
	c.Status(http.StatusAccepted)
}
