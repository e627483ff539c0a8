package metadata

import "fmt"

/** @brief An opaque native object handle. NullHandle means "none". */
type Handle uint64

const NullHandle Handle = 0

func (h Handle) IsNull() bool { return h == NullHandle }

/**
 * @brief A live resource in a resource directory. Either a BufferResource or an
 * ImageResource; the variant decides which descriptor kind it satisfies.
 */
type Resource interface {
	Kind() DescriptorKind
}

/** @brief A uniform buffer range. Range 0 means the whole buffer. */
type BufferResource struct {
	Buffer Handle
	Offset uint64
	Range  uint64
}

func (BufferResource) Kind() DescriptorKind { return DescriptorKindUniformBuffer }

/** @brief A sampled image view. */
type ImageResource struct {
	View Handle
}

func (ImageResource) Kind() DescriptorKind { return DescriptorKindCombinedImageSampler }

/** @brief The canonical samplers a combined-image-sampler link can ask for. */
type SamplerKind uint8

const (
	SamplerDefault SamplerKind = iota
	SamplerLinearRepeat
	SamplerLinearClamp
	SamplerNearestRepeat
	SamplerNearestClamp
	SamplerShadow
)

var samplerKindNames = map[string]SamplerKind{
	"linear":         SamplerLinearRepeat,
	"linear_repeat":  SamplerLinearRepeat,
	"linear_clamp":   SamplerLinearClamp,
	"nearest":        SamplerNearestRepeat,
	"nearest_repeat": SamplerNearestRepeat,
	"nearest_clamp":  SamplerNearestClamp,
	"shadow":         SamplerShadow,
}

// SamplerKinds lists every concrete sampler in creation order.
var SamplerKinds = []SamplerKind{
	SamplerLinearRepeat,
	SamplerLinearClamp,
	SamplerNearestRepeat,
	SamplerNearestClamp,
	SamplerShadow,
}

func ParseSamplerKind(s string) (SamplerKind, error) {
	if s == "" {
		return SamplerDefault, nil
	}
	return parseEnum(s, samplerKindNames, "SamplerKind")
}

// Canonical maps SamplerDefault to the concrete default sampler.
func (k SamplerKind) Canonical() SamplerKind {
	if k == SamplerDefault {
		return SamplerLinearRepeat
	}
	return k
}

func (k SamplerKind) String() string {
	switch k {
	case SamplerDefault:
		return "default"
	case SamplerLinearRepeat:
		return "linear_repeat"
	case SamplerLinearClamp:
		return "linear_clamp"
	case SamplerNearestRepeat:
		return "nearest_repeat"
	case SamplerNearestClamp:
		return "nearest_clamp"
	case SamplerShadow:
		return "shadow"
	}
	return fmt.Sprintf("SamplerKind(%d)", uint8(k))
}

/**
 * @brief One staged descriptor-set write. Either a BufferWrite or an ImageWrite.
 */
type DescriptorWrite interface {
	Slot() WriteSlot
	Kind() DescriptorKind
}

/** @brief Identifies one array element of one binding of a set. */
type WriteSlot struct {
	Binding      uint32
	ArrayElement uint32
}

type BufferWrite struct {
	Binding      uint32
	ArrayElement uint32
	Buffer       BufferResource
}

func (w BufferWrite) Slot() WriteSlot {
	return WriteSlot{Binding: w.Binding, ArrayElement: w.ArrayElement}
}

func (BufferWrite) Kind() DescriptorKind { return DescriptorKindUniformBuffer }

type ImageWrite struct {
	Binding      uint32
	ArrayElement uint32
	Image        ImageResource
	Sampler      SamplerKind
}

func (w ImageWrite) Slot() WriteSlot {
	return WriteSlot{Binding: w.Binding, ArrayElement: w.ArrayElement}
}

func (ImageWrite) Kind() DescriptorKind { return DescriptorKindCombinedImageSampler }
