package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioner/internal/store"
)

func TestMigrateCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "provisioner.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  path: "+dbPath+"\nlog:\n  level: error\n"), 0o600))

	root := newRootCommand()
	root.SetArgs([]string{"migrate", "--config", cfgPath})
	root.SetOut(&bytes.Buffer{})
	require.NoError(t, root.ExecuteContext(context.Background()))

	s, err := store.Open(context.Background(), store.Config{Path: dbPath})
	require.NoError(t, err)
	defer s.Close()

	tpl := &store.Template{Slug: "web-101", DisplayName: "Web 101", ProviderTemplateID: "ubuntu"}
	assert.NoError(t, s.CreateTemplate(context.Background(), tpl), "schema exists after migrate")
}

func TestMigrateCommand_BadConfig(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"migrate", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	assert.Error(t, root.ExecuteContext(context.Background()))
}
