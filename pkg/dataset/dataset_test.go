package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRead(t *testing.T) {
	in := "id,target_text,source_text\n1,bonjour,hello\n2,au revoir,goodbye\n"
	got, err := Read(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	want := []Example{
		{SourceText: "hello", TargetText: "bonjour"},
		{SourceText: "goodbye", TargetText: "au revoir"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Read() mismatch (-want +got):\n%s", diff)
	}
}

func TestReadQuotedAndEmpty(t *testing.T) {
	in := "source_text,target_text\n\"hello, world\",\"\"\n"
	got, err := Read(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	want := []Example{{SourceText: "hello, world", TargetText: ""}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Read() mismatch (-want +got):\n%s", diff)
	}
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"empty file", "", ErrNoRows},
		{"header only", "source_text,target_text\n", ErrNoRows},
		{"missing target", "source_text,other\nhello,x\n", ErrMissingColumn},
		{"missing source", "target_text\nbonjour\n", ErrMissingColumn},
		{"short row", "source_text,target_text\nhello\n", ErrMissingColumn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tt.in))
			if !errors.Is(err, tt.want) {
				t.Errorf("Read() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(path, []byte("source_text,target_text\nhello,bonjour\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Example{{SourceText: "hello", TargetText: "bonjour"}}, got); diff != "" {
		t.Errorf("ReadFile() mismatch (-want +got):\n%s", diff)
	}

	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("ReadFile() on missing file returned nil error")
	}
}
