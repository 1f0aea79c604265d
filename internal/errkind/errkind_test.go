package errkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	e := New(ProxyConnect, "db1:3306", inner)

	assert.Equal(t, inner, errors.Unwrap(e))
	assert.Contains(t, e.Error(), "ProxyConnect")
	assert.Contains(t, e.Error(), "db1:3306")
	assert.Contains(t, e.Error(), "connection refused")
}

func TestErrorWithoutEntity(t *testing.T) {
	e := New(Config, "", errors.New("bad value"))
	assert.NotContains(t, e.Error(), "[]")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, Unknown.ExitCode())
	assert.Equal(t, 1, Config.ExitCode())
	assert.Equal(t, 2, Lock.ExitCode())
	assert.Equal(t, 2, ProxyConnect.ExitCode())
	assert.Equal(t, 2, AcceleratorQuery.ExitCode())
}

func TestMostSevere(t *testing.T) {
	assert.Equal(t, Config, MostSevere(Config, ParseStatus))
	assert.Equal(t, Config, MostSevere(ParseStatus, Config))
	assert.Equal(t, Lock, MostSevere(Lock, AcceleratorConnect))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "Config", Config.String())
	assert.Equal(t, "Unknown", Kind(99).String())
}
