package domain

import (
	"fmt"
	"math"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/deployq/deployq/internal/common/deployerrors"
)

// ResourceScale is the fixed-point scale factor of every ResourceVector component.
const ResourceScale = 1000

type ResourceKind string

const (
	Ram ResourceKind = "ram"
	Cpu ResourceKind = "cpu"
	Gpu ResourceKind = "gpu"
)

var ResourceKinds = []ResourceKind{Ram, Cpu, Gpu}

// ResourceVector holds ram, cpu and gpu quantities in thousandths of a unit.
// All arithmetic and comparison happens on the scaled integers.
type ResourceVector struct {
	Ram int64
	Cpu int64
	Gpu int64
}

// NewResourceVector scales float quantities into a ResourceVector.
// Values are rounded to the nearest thousandth.
func NewResourceVector(ram, cpu, gpu float64) (ResourceVector, error) {
	values := [3]float64{ram, cpu, gpu}
	scaled := [3]int64{}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ResourceVector{}, errors.WithStack(&deployerrors.ErrInvalidCapacity{
				Message: fmt.Sprintf("%s is not a finite number", ResourceKinds[i]),
			})
		}
		if v < 0 {
			return ResourceVector{}, errors.WithStack(&deployerrors.ErrInvalidCapacity{
				Message: fmt.Sprintf("%s must be non-negative, got %v", ResourceKinds[i], v),
			})
		}
		if v*ResourceScale > math.MaxInt64/2 {
			return ResourceVector{}, errors.WithStack(&deployerrors.ErrInvalidCapacity{
				Message: fmt.Sprintf("%s is too large: %v", ResourceKinds[i], v),
			})
		}
		scaled[i] = int64(math.Round(v * ResourceScale))
	}
	return ResourceVector{Ram: scaled[0], Cpu: scaled[1], Gpu: scaled[2]}, nil
}

// MustResourceVector is NewResourceVector that panics on error. Intended for tests and constants.
func MustResourceVector(ram, cpu, gpu float64) ResourceVector {
	rv, err := NewResourceVector(ram, cpu, gpu)
	if err != nil {
		panic(err)
	}
	return rv
}

// ResourceVectorFromQuantities builds a vector from kubernetes-style quantities, e.g. "500m" or "4".
// Quantity.MilliValue is exactly the fixed-point representation used here.
func ResourceVectorFromQuantities(ram, cpu, gpu resource.Quantity) (ResourceVector, error) {
	rv := ResourceVector{Ram: ram.MilliValue(), Cpu: cpu.MilliValue(), Gpu: gpu.MilliValue()}
	if rv.IsNegative() {
		return ResourceVector{}, errors.WithStack(&deployerrors.ErrInvalidCapacity{
			Message: fmt.Sprintf("resources must be non-negative, got %s", rv),
		})
	}
	return rv, nil
}

// ParseResourceVector parses quantity strings for ram, cpu and gpu. Empty strings are zero.
func ParseResourceVector(ram, cpu, gpu string) (ResourceVector, error) {
	quantities := [3]resource.Quantity{}
	for i, s := range []string{ram, cpu, gpu} {
		if s == "" {
			continue
		}
		q, err := resource.ParseQuantity(s)
		if err != nil {
			return ResourceVector{}, errors.WithStack(&deployerrors.ErrInvalidArgument{
				Name:    string(ResourceKinds[i]),
				Value:   s,
				Message: err.Error(),
			})
		}
		quantities[i] = q
	}
	return ResourceVectorFromQuantities(quantities[0], quantities[1], quantities[2])
}

func (rv ResourceVector) Get(kind ResourceKind) int64 {
	switch kind {
	case Ram:
		return rv.Ram
	case Cpu:
		return rv.Cpu
	case Gpu:
		return rv.Gpu
	}
	return 0
}

func (rv ResourceVector) Add(other ResourceVector) ResourceVector {
	return ResourceVector{Ram: rv.Ram + other.Ram, Cpu: rv.Cpu + other.Cpu, Gpu: rv.Gpu + other.Gpu}
}

func (rv ResourceVector) Sub(other ResourceVector) ResourceVector {
	return ResourceVector{Ram: rv.Ram - other.Ram, Cpu: rv.Cpu - other.Cpu, Gpu: rv.Gpu - other.Gpu}
}

// Dominates returns true if every component of rv is at least the corresponding component of other,
// i.e., a requirement of other fits into availability rv.
func (rv ResourceVector) Dominates(other ResourceVector) bool {
	return rv.Ram >= other.Ram && rv.Cpu >= other.Cpu && rv.Gpu >= other.Gpu
}

// ClampTo bounds every component to [0, limit].
func (rv ResourceVector) ClampTo(limit ResourceVector) ResourceVector {
	return ResourceVector{
		Ram: clamp(rv.Ram, limit.Ram),
		Cpu: clamp(rv.Cpu, limit.Cpu),
		Gpu: clamp(rv.Gpu, limit.Gpu),
	}
}

func clamp(v, limit int64) int64 {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}

func (rv ResourceVector) IsNegative() bool {
	return rv.Ram < 0 || rv.Cpu < 0 || rv.Gpu < 0
}

func (rv ResourceVector) IsZero() bool {
	return rv.Ram == 0 && rv.Cpu == 0 && rv.Gpu == 0
}

// AsFloat returns the unscaled quantities, for display and metrics only.
func (rv ResourceVector) AsFloat() map[ResourceKind]float64 {
	return map[ResourceKind]float64{
		Ram: float64(rv.Ram) / ResourceScale,
		Cpu: float64(rv.Cpu) / ResourceScale,
		Gpu: float64(rv.Gpu) / ResourceScale,
	}
}

func (rv ResourceVector) String() string {
	return fmt.Sprintf("{ram:%s cpu:%s gpu:%s}", formatScaled(rv.Ram), formatScaled(rv.Cpu), formatScaled(rv.Gpu))
}

func formatScaled(v int64) string {
	return strconv.FormatFloat(float64(v)/ResourceScale, 'f', -1, 64)
}

// ClusterCapacity is a point-in-time view of a cluster's ledger entry.
type ClusterCapacity struct {
	Total     ResourceVector
	Available ResourceVector
}

// Validate checks 0 <= available <= total for every resource kind.
func (c ClusterCapacity) Validate() error {
	if c.Total.IsNegative() || c.Available.IsNegative() {
		return &deployerrors.ErrInvalidCapacity{Message: fmt.Sprintf("negative capacity total=%s available=%s", c.Total, c.Available)}
	}
	if !c.Total.Dominates(c.Available) {
		return &deployerrors.ErrInvalidCapacity{Message: fmt.Sprintf("available %s exceeds total %s", c.Available, c.Total)}
	}
	return nil
}
