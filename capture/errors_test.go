package capture

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyCaptureError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorClassRetryable},
		{"subscriber only", errors.New("this stream is subscriber-only"), ErrorClassFatal},
		{"http 401", errors.New("error 401: unauthorized"), ErrorClassFatal},
		{"http 403", errors.New("403 forbidden"), ErrorClassFatal},
		{"missing binary", errors.New(`exec: "streamlink": executable file not found in $PATH`), ErrorClassFatal},
		{"bad quality", errors.New("1081p is not a valid stream quality"), ErrorClassFatal},
		{"connection reset", errors.New("read tcp: connection reset by peer"), ErrorClassRetryable},
		{"timeout", errors.New("context deadline exceeded: timeout"), ErrorClassRetryable},
		{"http 503", errors.New("503 service unavailable"), ErrorClassRetryable},
		{"rate limited", fmt.Errorf("429 too many requests"), ErrorClassRetryable},
		{"unknown", errors.New("something odd happened"), ErrorClassRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyCaptureError(tt.err); got != tt.want {
				t.Errorf("ClassifyCaptureError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorClassString(t *testing.T) {
	if ErrorClassFatal.String() != "fatal" || ErrorClassRetryable.String() != "retryable" {
		t.Error("ErrorClass.String mismatch")
	}
}
