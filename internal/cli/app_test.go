package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/massmailer/internal/compiler"
	"github.com/roach88/massmailer/internal/mailer"
	"github.com/roach88/massmailer/internal/querylang"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
		exit int
	}{
		{"syntax", &querylang.SyntaxError{Pos: 3, Msg: "unexpected ("}, ErrCodeSyntax, ExitFailure},
		{"unknown model", &querylang.ParseError{Msg: `unknown model "Nope"`}, ErrCodeQuery, ExitFailure},
		{"compile", &compiler.ParseError{Entity: "User", Msg: "bad field"}, ErrCodeQuery, ExitFailure},
		{"unsupported", &compiler.UnsupportedOperationError{Op: "+"}, ErrCodeQuery, ExitFailure},
		{"store", &compiler.StoreError{Err: errors.New("disk I/O error")}, ErrCodeQueryFailed, ExitFailure},
		{"render", fmt.Errorf("create batch: %w", &mailer.RenderError{Kind: mailer.RenderUndefined, Msg: "x"}), ErrCodeRender, ExitFailure},
		{"not found", fmt.Errorf("template 4: %w", mailer.ErrNotFound), ErrCodeNotFound, ExitCommandError},
		{"invalid transition", fmt.Errorf("%w: sent -> pending", mailer.ErrInvalidTransition), ErrCodeTransition, ExitFailure},
		{"lost race", mailer.ErrStateChanged, ErrCodeTransition, ExitFailure},
		{"other", errors.New("boom"), ErrCodeGeneric, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, exit := classify(tt.err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.exit, exit)
		})
	}
}

func TestReadText(t *testing.T) {
	got, err := readText("User .name = 'Alice'")
	require.NoError(t, err)
	assert.Equal(t, "User .name = 'Alice'", got)

	path := filepath.Join(t.TempDir(), "q.mmq")
	require.NoError(t, os.WriteFile(path, []byte("SomeModel alias user\n"), 0o644))
	got, err = readText("@" + path)
	require.NoError(t, err)
	assert.Equal(t, "SomeModel alias user\n", got)

	_, err = readText("@" + filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
