package guard_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelcell/kernelcell/internal/guard"
	"github.com/kernelcell/kernelcell/internal/policy"
)

func TestNew_ValidRules(t *testing.T) {
	e, err := guard.New([]policy.GuardRule{
		{Name: "no-etc-writes", Expression: `category == "write" && path.startsWith("/etc")`, Effect: "deny"},
	})
	require.NoError(t, err)
	assert.NotNil(t, e)
}

func TestNew_InvalidExpression(t *testing.T) {
	_, err := guard.New([]policy.GuardRule{
		{Name: "bad", Expression: `this is not valid CEL !!!`, Effect: "deny"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestEvaluate_DenyByRule(t *testing.T) {
	e, err := guard.New([]policy.GuardRule{
		{Name: "no-etc-writes", Expression: `category == "write" && path.startsWith("/etc")`, Effect: "deny"},
	})
	require.NoError(t, err)

	effect, rule, err := e.Evaluate(guard.Subject{Category: "write", Path: "/etc/hosts"})
	require.NoError(t, err)
	assert.Equal(t, guard.Deny, effect)
	assert.Equal(t, "no-etc-writes", rule)
}

func TestEvaluate_NoMatchAllows(t *testing.T) {
	e, err := guard.New([]policy.GuardRule{
		{Name: "no-etc-writes", Expression: `category == "write" && path.startsWith("/etc")`, Effect: "deny"},
	})
	require.NoError(t, err)

	effect, rule, err := e.Evaluate(guard.Subject{Category: "read", Path: "/etc/hosts"})
	require.NoError(t, err)
	assert.Equal(t, guard.Allow, effect)
	assert.Empty(t, rule)
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	e, err := guard.New([]policy.GuardRule{
		{Name: "allow-home", Expression: `path.startsWith("/home")`, Effect: "allow"},
		{Name: "deny-all-writes", Expression: `category == "write"`, Effect: "deny"},
	})
	require.NoError(t, err)

	effect, rule, err := e.Evaluate(guard.Subject{Category: "write", Path: "/home/me/out"})
	require.NoError(t, err)
	assert.Equal(t, guard.Allow, effect)
	assert.Equal(t, "allow-home", rule)
}

func TestEvaluate_PortSubject(t *testing.T) {
	e, err := guard.New([]policy.GuardRule{
		{Name: "no-privileged-ports", Expression: `category == "network" && port < 1024`, Effect: "deny"},
	})
	require.NoError(t, err)

	effect, rule, err := e.Evaluate(guard.Subject{Category: "network", Port: 80})
	require.NoError(t, err)
	assert.Equal(t, guard.Deny, effect)
	assert.Equal(t, "no-privileged-ports", rule)

	effect, _, err = e.Evaluate(guard.Subject{Category: "network", Port: 8888})
	require.NoError(t, err)
	assert.Equal(t, guard.Allow, effect)
}

func TestEvaluate_NonBoolExpression(t *testing.T) {
	e, err := guard.New([]policy.GuardRule{
		{Name: "odd", Expression: `path`, Effect: "deny"},
	})
	require.NoError(t, err)

	effect, _, err := e.Evaluate(guard.Subject{Category: "read", Path: "/x"})
	require.Error(t, err)
	assert.Equal(t, guard.Deny, effect)
}

func TestEvaluate_NilEngine(t *testing.T) {
	var e *guard.Engine
	effect, rule, err := e.Evaluate(guard.Subject{Category: "read", Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, guard.Allow, effect)
	assert.Empty(t, rule)
}
