package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergePrecedence(t *testing.T) {
	t.Setenv("MAILSVC_TEST_BASE", "os")
	t.Setenv("MAILSVC_TEST_OVERRIDE", "os")

	e := New().FromOS().Set("MAILSVC_TEST_OVERRIDE", "global").Set("GLOBAL_ONLY", "g")
	out := e.Merge("smtp_server", []string{"MAILSVC_TEST_OVERRIDE=svc", "BAD", "=empty"})

	v, ok := Lookup(out, "MAILSVC_TEST_BASE")
	require.True(t, ok)
	assert.Equal(t, "os", v)
	v, _ = Lookup(out, "MAILSVC_TEST_OVERRIDE")
	assert.Equal(t, "svc", v)
	v, _ = Lookup(out, "GLOBAL_ONLY")
	assert.Equal(t, "g", v)
	v, _ = Lookup(out, ServiceKey)
	assert.Equal(t, "smtp_server", v)
	for _, kv := range out {
		assert.NotEqual(t, '=', rune(kv[0]), "empty key in %q", kv)
	}
}

func TestMergeServiceKeyCannotBeOverridden(t *testing.T) {
	out := New().Merge("web_interface", []string{ServiceKey + "=other"})
	v, _ := Lookup(out, ServiceKey)
	assert.Equal(t, "web_interface", v)
}

func TestMergeExpansion(t *testing.T) {
	e := New().Set("BASE", "/srv/mail")
	out := e.Merge("", []string{"PYTHONPATH=${BASE}/lib", "KEEP=${MISSING}", "OPEN=${BASE"})

	v, _ := Lookup(out, "PYTHONPATH")
	assert.Equal(t, "/srv/mail/lib", v)
	v, _ = Lookup(out, "KEEP")
	assert.Equal(t, "${MISSING}", v)
	v, _ = Lookup(out, "OPEN")
	assert.Equal(t, "${BASE", v)
	_, ok := Lookup(out, ServiceKey)
	assert.False(t, ok)
}

func TestMergeSorted(t *testing.T) {
	out := New().Merge("x", []string{"B=2", "A=1"})
	assert.IsNonDecreasing(t, out)
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "svc.env")
	content := "# comment\n\nexport SMTP_HOST=localhost\nSMTP_PORT = 1025\nQUOTED=\"a b\"\nnoequals\n"
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))

	got, err := LoadFile(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"SMTP_HOST=localhost", "SMTP_PORT=1025", "QUOTED=a b"}, got)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
