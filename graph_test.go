package actionflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(id string, dependsOn ...string) *ActionStep {
	return &ActionStep{ID: id, Category: CategoryTask, Action: "create_task", DependsOn: dependsOn}
}

func TestValidateDependencyChain_NoCycle(t *testing.T) {
	steps := []*ActionStep{
		step("s1"),
		step("s2", "s1"),
		{ID: "s3", Action: "create_task", Requires: []Requirement{{StepID: "s2", Field: "id"}}},
	}

	v := ValidateDependencyChain(steps)
	assert.True(t, v.Valid)
	assert.Empty(t, v.CircularDependencies)
}

func TestValidateDependencyChain_Cycle(t *testing.T) {
	steps := []*ActionStep{
		step("S1", "S3"),
		step("S2", "S1"),
		step("S3", "S2"),
	}

	v := ValidateDependencyChain(steps)
	assert.False(t, v.Valid)
	require.NotEmpty(t, v.CircularDependencies)
	assert.Equal(t, v.CircularDependencies[0], v.CircularDependencies[len(v.CircularDependencies)-1])
	assert.ElementsMatch(t, []string{"S1", "S2", "S3"}, v.CircularDependencies[:3])
}

func TestValidateDependencyChain_OrderIndependent(t *testing.T) {
	a := []*ActionStep{step("S1", "S3"), step("S2", "S1"), step("S3", "S2"), step("S4")}
	b := []*ActionStep{step("S4"), step("S3", "S2"), step("S1", "S3"), step("S2", "S1")}

	va := ValidateDependencyChain(a)
	vb := ValidateDependencyChain(b)
	assert.False(t, va.Valid)
	assert.Equal(t, va, vb)
}

func TestValidateDependencyChain_CycleThroughRequires(t *testing.T) {
	steps := []*ActionStep{
		{ID: "a", Action: "x", Requires: []Requirement{{StepID: "b"}}},
		{ID: "b", Action: "x", DependsOn: []string{"a"}},
	}

	v := ValidateDependencyChain(steps)
	assert.False(t, v.Valid)
}

func TestValidateDependencyChain_SelfLoop(t *testing.T) {
	v := ValidateDependencyChain([]*ActionStep{step("a", "a")})
	assert.False(t, v.Valid)
	assert.Equal(t, []string{"a", "a"}, v.CircularDependencies)
}

func TestDependencyGraph_TopologicalOrder(t *testing.T) {
	g := NewDependencyGraph([]*ActionStep{
		step("c", "b"),
		step("b", "a"),
		step("a"),
	})

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestDependencyGraph_TopologicalOrder_Cycle(t *testing.T) {
	g := NewDependencyGraph([]*ActionStep{step("a", "b"), step("b", "a")})

	_, err := g.TopologicalOrder()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}
