package otel

import (
	"context"
	"testing"
)

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "forechaind"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if Tracer("forechain/test") == nil {
		t.Fatalf("expected tracer")
	}
}

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc , broken, =x,tenant=forechain")
	if len(headers) != 2 {
		t.Fatalf("unexpected headers: %v", headers)
	}
	if headers["api-key"] != "abc" || headers["tenant"] != "forechain" {
		t.Fatalf("unexpected headers: %v", headers)
	}
}
