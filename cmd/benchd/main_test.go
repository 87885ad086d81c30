package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "benchd ") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestServeRejectsMissingConfigFile(t *testing.T) {
	root := newRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"serve", "--config", "/nonexistent/benchd.yaml"})

	if err := root.Execute(); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
