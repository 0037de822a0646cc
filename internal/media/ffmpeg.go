// Package media は ffmpeg による動画の分割と結合を提供します。
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	CodeSplitFailed  = "SPLIT_FAILED"
	CodeConcatFailed = "CONCAT_FAILED"
	CodeNoSegments   = "NO_SEGMENTS"

	segmentPattern = "seg_%05d.mp4"
	segmentGlob    = "seg_*.mp4"
	concatListName = "concat.txt"
)

// Error は外部ツールの失敗を表します。リトライしても結果が変わらない失敗です。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Splitter は入力動画を順序付きのセグメントファイルに分割します。
type Splitter interface {
	Split(ctx context.Context, inputPath, outDir string) ([]string, error)
}

// Concatenator は複数のファイルを順に結合して1つの出力にします。
type Concatenator interface {
	Concat(ctx context.Context, inputPaths []string, outputPath string) error
}

// runner は外部コマンドを実行し、標準出力と標準エラーをまとめて返します。
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// FFmpeg は ffmpeg サブプロセスによる Splitter / Concatenator 実装です。
type FFmpeg struct {
	path           string
	segmentSeconds int
	run            runner
}

// NewFFmpeg は FFmpeg を作成します。
func NewFFmpeg(path string, segmentSeconds int) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if segmentSeconds <= 0 {
		segmentSeconds = 10
	}
	return &FFmpeg{path: path, segmentSeconds: segmentSeconds, run: execRunner}
}

// Split はストリームコピーで segmentSeconds ごとに分割し、ファイル名順のパスを返します。
func (f *FFmpeg) Split(ctx context.Context, inputPath, outDir string) ([]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}
	args := splitArgs(inputPath, filepath.Join(outDir, segmentPattern), f.segmentSeconds)
	if out, err := f.run(ctx, f.path, args...); err != nil {
		return nil, toolError(CodeSplitFailed, "動画の分割に失敗しました。", out, err)
	}

	paths, err := filepath.Glob(filepath.Join(outDir, segmentGlob))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, newError(CodeNoSegments, "分割結果のセグメントがありません。", nil)
	}
	sort.Strings(paths)
	return paths, nil
}

// Concat は concat demuxer で inputPaths を順に結合します。
func (f *FFmpeg) Concat(ctx context.Context, inputPaths []string, outputPath string) error {
	if len(inputPaths) == 0 {
		return newError(CodeNoSegments, "結合するセグメントがありません。", nil)
	}
	listPath := filepath.Join(filepath.Dir(outputPath), concatListName)
	if err := writeConcatList(listPath, inputPaths); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listPath)

	if out, err := f.run(ctx, f.path, concatArgs(listPath, outputPath)...); err != nil {
		return toolError(CodeConcatFailed, "動画の結合に失敗しました。", out, err)
	}
	return nil
}

func splitArgs(inputPath, outputPattern string, seconds int) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", inputPath,
		"-map", "0",
		"-c", "copy",
		"-f", "segment",
		"-segment_time", strconv.Itoa(seconds),
		"-reset_timestamps", "1",
		outputPattern,
	}
}

func concatArgs(listPath, outputPath string) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-movflags", "+faststart",
		outputPath,
	}
}

func writeConcatList(path string, inputs []string) error {
	var b strings.Builder
	for _, p := range inputs {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		// concat リストではシングルクォートを '\'' でエスケープする
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// toolError は非ゼロ終了を *Error に変換します。起動できなかった場合はそのまま返し、呼び出し側でリトライさせます。
func toolError(code, message string, output []byte, err error) error {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return fmt.Errorf("%s: %w", code, err)
	}
	detail := strings.TrimSpace(string(output))
	if len(detail) > 1024 {
		detail = detail[len(detail)-1024:]
	}
	if detail != "" {
		message = message + " " + detail
	}
	return newError(code, message, err)
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	err := cmd.Run()
	return output.Bytes(), err
}
