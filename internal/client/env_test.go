package client

import (
	"reflect"
	"sort"
	"testing"
)

func TestBuildEnv_Precedence(t *testing.T) {
	base := []string{"PATH=/bin", "API_KEY=from-process", "HOME=/root"}
	file := []EnvEntry{{Key: "HOME", Value: "/home/app"}, {Key: "EXTRA", Value: "1"}}
	secrets := map[string]string{"API_KEY": "sk-123", "DB_URL": "postgres://x"}

	got, err := BuildEnv(base, file, secrets)
	if err != nil {
		t.Fatalf("BuildEnv: %v", err)
	}
	want := []string{
		"PATH=/bin",
		"API_KEY=sk-123",
		"HOME=/home/app",
		"EXTRA=1",
		"DB_URL=postgres://x",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("BuildEnv =\n%v\nwant\n%v", got, want)
	}
}

func TestBuildEnv_References(t *testing.T) {
	file := []EnvEntry{{Key: "OPENAI_API_KEY", Value: "tunnelkeeper://API_KEY"}}
	secrets := map[string]string{"API_KEY": "sk-123"}

	got, err := BuildEnv(nil, file, secrets)
	if err != nil {
		t.Fatalf("BuildEnv: %v", err)
	}
	want := []string{"OPENAI_API_KEY=sk-123", "API_KEY=sk-123"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("BuildEnv = %v, want %v", got, want)
	}

	if _, err := BuildEnv(nil, []EnvEntry{{Key: "X", Value: "tunnelkeeper://MISSING"}}, secrets); err == nil {
		t.Error("expected error for a secret missing from the bundle")
	}
	if _, err := BuildEnv(nil, []EnvEntry{{Key: "X", Value: "tunnelkeeper://bad-name"}}, secrets); err == nil {
		t.Error("expected error for a malformed reference")
	}
}

func TestBuildEnv_Empty(t *testing.T) {
	got, err := BuildEnv(nil, nil, nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("BuildEnv = %v, %v", got, err)
	}
}

func TestSecretValues(t *testing.T) {
	got := SecretValues(map[string]string{"A": "1", "B": "2"})
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"1", "2"}) {
		t.Fatalf("SecretValues = %v", got)
	}
}
