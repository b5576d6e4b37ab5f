package archive

import (
	"testing"
)

func TestNew_SelectsBackend(t *testing.T) {
	dir := t.TempDir()

	s, err := New(Config{Path: dir})
	if err != nil {
		t.Fatalf("New local: %v", err)
	}
	if _, ok := s.(*LocalFS); !ok {
		t.Errorf("expected *LocalFS, got %T", s)
	}

	s, err = New(Config{Backend: "s3", S3: S3Config{Bucket: "reports", Region: "us-east-1"}})
	if err != nil {
		t.Fatalf("New s3: %v", err)
	}
	if _, ok := s.(*S3Storage); !ok {
		t.Errorf("expected *S3Storage, got %T", s)
	}
}

func TestNew_Rejects(t *testing.T) {
	cases := []Config{
		{Backend: "local"},
		{Backend: "s3"},
		{Backend: "ftp", Path: "/tmp"},
	}
	for _, c := range cases {
		if _, err := New(c); err == nil {
			t.Errorf("New(%+v) should fail", c)
		}
	}
}
