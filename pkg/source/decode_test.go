package source

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestDecodeFrame(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    map[string]float64
		wantAt  time.Time
		wantErr bool
	}{
		{
			name: "bare mapping",
			in:   `{"Drowsy":0.9,"Awake":0.3}`,
			want: map[string]float64{"Drowsy": 0.9, "Awake": 0.3},
		},
		{
			name:   "envelope",
			in:     `{"scores":{"Drowsy":0.9},"captured_at":"2026-05-01T12:00:00Z"}`,
			want:   map[string]float64{"Drowsy": 0.9},
			wantAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "envelope without timestamp",
			in:   `{"scores":{}}`,
			want: map[string]float64{},
		},
		{
			name: "label called scores",
			in:   `{"scores":0.4,"other":0.2}`,
			want: map[string]float64{"scores": 0.4, "other": 0.2},
		},
		{name: "blank", in: "  \n", wantErr: true},
		{name: "array", in: `[0.1]`, wantErr: true},
		{name: "string score", in: `{"a":"high"}`, wantErr: true},
		{name: "truncated", in: `{"a":0.`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f, err := DecodeFrame([]byte(tc.in))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("DecodeFrame(%s) = %+v, want error", tc.in, f)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeFrame(%s): %v", tc.in, err)
			}
			if !reflect.DeepEqual(f.Scores, tc.want) {
				t.Errorf("Scores = %v, want %v", f.Scores, tc.want)
			}
			if !f.CapturedAt.Equal(tc.wantAt) {
				t.Errorf("CapturedAt = %v, want %v", f.CapturedAt, tc.wantAt)
			}
		})
	}
}

func TestDecodeFrame_BlankIsSentinel(t *testing.T) {
	t.Parallel()
	if _, err := DecodeFrame(nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
}
