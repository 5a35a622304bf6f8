package domain

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/deployq/deployq/internal/common/deployerrors"
)

func TestNewResourceVector(t *testing.T) {
	tests := map[string]struct {
		ram, cpu, gpu float64
		expected      ResourceVector
		expectError   bool
	}{
		"integers":           {32, 8, 2, ResourceVector{Ram: 32000, Cpu: 8000, Gpu: 2000}, false},
		"fractions":          {0.5, 0.25, 0, ResourceVector{Ram: 500, Cpu: 250}, false},
		"float drift":        {0.1, 0.7, 0.3, ResourceVector{Ram: 100, Cpu: 700, Gpu: 300}, false},
		"sub-milli rounding": {0.0004, 0.0006, 0, ResourceVector{Ram: 0, Cpu: 1}, false},
		"negative":           {-1, 0, 0, ResourceVector{}, true},
		"nan":                {math.NaN(), 0, 0, ResourceVector{}, true},
		"inf":                {0, math.Inf(1), 0, ResourceVector{}, true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			rv, err := NewResourceVector(tc.ram, tc.cpu, tc.gpu)
			if tc.expectError {
				var e *deployerrors.ErrInvalidCapacity
				assert.True(t, errors.As(err, &e))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, rv)
		})
	}
}

func TestResourceVectorFromQuantities(t *testing.T) {
	rv, err := ResourceVectorFromQuantities(resource.MustParse("32"), resource.MustParse("500m"), resource.MustParse("1"))
	require.NoError(t, err)
	assert.Equal(t, ResourceVector{Ram: 32000, Cpu: 500, Gpu: 1000}, rv)

	_, err = ResourceVectorFromQuantities(resource.MustParse("-1"), resource.Quantity{}, resource.Quantity{})
	assert.Error(t, err)
}

func TestParseResourceVector(t *testing.T) {
	rv, err := ParseResourceVector("4", "2", "")
	require.NoError(t, err)
	assert.Equal(t, MustResourceVector(4, 2, 0), rv)

	_, err = ParseResourceVector("four", "2", "")
	var e *deployerrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, "ram", e.Name)
}

func TestResourceVector_Arithmetic(t *testing.T) {
	a := MustResourceVector(32, 8, 2)
	b := MustResourceVector(4, 2, 0)

	assert.Equal(t, MustResourceVector(28, 6, 2), a.Sub(b))
	assert.Equal(t, MustResourceVector(36, 10, 2), a.Add(b))
	assert.True(t, a.Dominates(b))
	assert.False(t, b.Dominates(a))
	assert.True(t, a.Dominates(a))
	assert.False(t, MustResourceVector(40, 1, 0).Dominates(MustResourceVector(0, 2, 0)))
	assert.True(t, b.Sub(a).IsNegative())
	assert.True(t, ResourceVector{}.IsZero())
}

func TestResourceVector_ClampTo(t *testing.T) {
	limit := MustResourceVector(32, 8, 2)
	assert.Equal(t, limit, MustResourceVector(40, 8, 3).ClampTo(limit))
	assert.Equal(t, ResourceVector{Ram: 0, Cpu: 1000, Gpu: 0}, ResourceVector{Ram: -5, Cpu: 1000, Gpu: -1}.ClampTo(limit))
}

func TestResourceVector_String(t *testing.T) {
	assert.Equal(t, "{ram:28 cpu:6.5 gpu:0.001}", ResourceVector{Ram: 28000, Cpu: 6500, Gpu: 1}.String())
}

func TestClusterCapacity_Validate(t *testing.T) {
	assert.NoError(t, ClusterCapacity{Total: MustResourceVector(4, 4, 4), Available: MustResourceVector(4, 0, 1)}.Validate())
	assert.Error(t, ClusterCapacity{Total: MustResourceVector(4, 4, 4), Available: MustResourceVector(5, 0, 1)}.Validate())
	assert.Error(t, ClusterCapacity{Total: ResourceVector{Ram: -1}}.Validate())
}
