package vars

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/mapflow/mapflow/pkg/models"
)

// WarnFunc receives lenient-coercion warnings (number/boolean captures that
// fell back to their documented defaults).
type WarnFunc func(format string, args ...interface{})

// Captured builds the stored value for a capture declaration from a command's
// streams. json parse failures are hard errors; number and boolean coerce
// leniently to 0/false with a warning.
func Captured(spec models.CaptureSpec, stdout, stderr string, exitCode int, success bool, duration time.Duration, warn WarnFunc) (Value, error) {
	streams := spec.Streams
	if streams == (models.CaptureStreams{}) {
		streams = models.DefaultCaptureStreams()
	}

	raw := ""
	if streams.Stdout {
		raw = stdout
	}
	if streams.Stderr && stderr != "" {
		if raw != "" {
			// exactly one separating newline, however stdout ended
			raw = strings.TrimRight(raw, "\n") + "\n"
		}
		raw += stderr
	}
	raw = foldMultiline(raw, spec.Multiline)

	maxSize := spec.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxCaptureSize
	}
	truncated := false
	if len(raw) > maxSize {
		raw = raw[:maxSize]
		truncated = true
	}

	v := Value{Meta: map[string]interface{}{}}
	if streams.Stderr {
		v.Meta["stderr"] = strings.TrimRight(stderr, "\n")
	}
	if streams.ExitCode {
		v.Meta["exit_code"] = float64(exitCode)
	}
	if streams.Success {
		v.Meta["success"] = success
	}
	if streams.Duration {
		v.Meta["duration"] = duration.Seconds()
	}
	if truncated {
		v.Meta["truncated"] = true
	}

	format := spec.Format
	if format == "" {
		format = models.CaptureRaw
	}
	switch format {
	case models.CaptureRaw:
		v.Primary = strings.TrimRight(raw, "\n")
	case models.CaptureJSON:
		var parsed interface{}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return Value{}, &models.CaptureFormatError{Name: spec.Name, Format: format, Cause: err}
		}
		v.Primary = parsed
	case models.CaptureLines:
		trimmed := strings.TrimRight(raw, "\n")
		if trimmed == "" {
			v.Primary = []interface{}{}
		} else {
			lines := strings.Split(trimmed, "\n")
			arr := make([]interface{}, len(lines))
			for i, l := range lines {
				arr[i] = l
			}
			v.Primary = arr
		}
	case models.CaptureNumber:
		n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			if warn != nil {
				warn("capture %q: output %q is not a number, defaulting to 0", spec.Name, strings.TrimSpace(raw))
			}
			n = 0
		}
		v.Primary = n
	case models.CaptureBoolean:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			if warn != nil {
				warn("capture %q: output %q is not a boolean, defaulting to false", spec.Name, strings.TrimSpace(raw))
			}
			b = false
		}
		v.Primary = b
	default:
		return Value{}, &models.CaptureFormatError{Name: spec.Name, Format: format, Cause: strconv.ErrSyntax}
	}
	return v, nil
}

func foldMultiline(raw string, mode models.MultilineMode) string {
	if mode == "" || mode == models.MultilinePreserve {
		return raw
	}
	trimmed := strings.TrimRight(raw, "\n")
	lines := strings.Split(trimmed, "\n")
	switch mode {
	case models.MultilineJoin:
		return strings.Join(lines, " ")
	case models.MultilineFirstLine:
		return lines[0]
	case models.MultilineLastLine:
		return lines[len(lines)-1]
	default:
		return raw
	}
}
