package metadata

import (
	"fmt"
	"slices"
	"strings"
)

type RenderTargetAttachmentType uint32

const (
	RENDER_TARGET_ATTACHMENT_TYPE_COLOUR  RenderTargetAttachmentType = 0x1
	RENDER_TARGET_ATTACHMENT_TYPE_DEPTH   RenderTargetAttachmentType = 0x2
	RENDER_TARGET_ATTACHMENT_TYPE_STENCIL RenderTargetAttachmentType = 0x4
)

/** @brief Attachment formats a render pass shape can name. */
type AttachmentFormat uint32

const (
	/** @brief Whatever format the swapchain surface uses (BGRA8 sRGB). */
	FormatSwapchain AttachmentFormat = iota
	FormatRGBA8
	FormatRGBA16F
	FormatDepth32F
	FormatDepth24Stencil8
)

func (f AttachmentFormat) String() string {
	switch f {
	case FormatSwapchain:
		return "swapchain"
	case FormatRGBA8:
		return "rgba8"
	case FormatRGBA16F:
		return "rgba16f"
	case FormatDepth32F:
		return "d32f"
	case FormatDepth24Stencil8:
		return "d24s8"
	}
	return fmt.Sprintf("format(%d)", uint32(f))
}

type RenderTargetAttachmentLoadOperation uint32

const (
	RENDER_TARGET_ATTACHMENT_LOAD_OPERATION_DONT_CARE RenderTargetAttachmentLoadOperation = 0x0
	RENDER_TARGET_ATTACHMENT_LOAD_OPERATION_LOAD      RenderTargetAttachmentLoadOperation = 0x1
	RENDER_TARGET_ATTACHMENT_LOAD_OPERATION_CLEAR     RenderTargetAttachmentLoadOperation = 0x2
)

type RenderTargetAttachmentStoreOperation uint32

const (
	RENDER_TARGET_ATTACHMENT_STORE_OPERATION_DONT_CARE RenderTargetAttachmentStoreOperation = 0x0
	RENDER_TARGET_ATTACHMENT_STORE_OPERATION_STORE     RenderTargetAttachmentStoreOperation = 0x1
)

/**
 * @brief One attachment of a render pass shape.
 */
type RenderTargetAttachmentConfig struct {
	RenderTargetAttachmentType RenderTargetAttachmentType
	Format                     AttachmentFormat
	Samples                    uint32
	LoadOperation              RenderTargetAttachmentLoadOperation
	StoreOperation             RenderTargetAttachmentStoreOperation
	PresentAfter               bool
}

/**
 * @brief Attachment indices one subpass reads and writes. DepthAttachment is -1
 * when the subpass has no depth.
 */
type SubpassConfig struct {
	ColourAttachments []uint32
	InputAttachments  []uint32
	DepthAttachment   int
}

/**
 * @brief The structural shape of a render pass. Pipelines are built against a
 * shape plus a subpass index and are only valid for that combination.
 */
type RenderPassShape struct {
	Attachments []RenderTargetAttachmentConfig
	Subpasses   []SubpassConfig
}

func (s RenderPassShape) Equal(o RenderPassShape) bool {
	if !slices.Equal(s.Attachments, o.Attachments) || len(s.Subpasses) != len(o.Subpasses) {
		return false
	}
	for i := range s.Subpasses {
		a, b := s.Subpasses[i], o.Subpasses[i]
		if a.DepthAttachment != b.DepthAttachment ||
			!slices.Equal(a.ColourAttachments, b.ColourAttachments) ||
			!slices.Equal(a.InputAttachments, b.InputAttachments) {
			return false
		}
	}
	return true
}

// Key renders the shape as a stable string, usable as a map key.
func (s RenderPassShape) Key() string {
	var b strings.Builder
	for _, a := range s.Attachments {
		fmt.Fprintf(&b, "a%d:%s:%d:%d:%d:%t;", a.RenderTargetAttachmentType, a.Format, a.Samples, a.LoadOperation, a.StoreOperation, a.PresentAfter)
	}
	for _, sp := range s.Subpasses {
		fmt.Fprintf(&b, "s%v:%v:%d;", sp.ColourAttachments, sp.InputAttachments, sp.DepthAttachment)
	}
	return b.String()
}

// ColourAttachmentCount is the number of colour outputs of a subpass.
func (s RenderPassShape) ColourAttachmentCount(subpass uint32) int {
	if int(subpass) >= len(s.Subpasses) {
		return 0
	}
	return len(s.Subpasses[subpass].ColourAttachments)
}

func (s RenderPassShape) Validate() error {
	if len(s.Subpasses) == 0 {
		return fmt.Errorf("render pass shape has no subpasses")
	}
	n := uint32(len(s.Attachments))
	for i, sp := range s.Subpasses {
		for _, idx := range append(slices.Clone(sp.ColourAttachments), sp.InputAttachments...) {
			if idx >= n {
				return fmt.Errorf("subpass %d references attachment %d of %d", i, idx, n)
			}
		}
		if sp.DepthAttachment >= int(n) {
			return fmt.Errorf("subpass %d references depth attachment %d of %d", i, sp.DepthAttachment, n)
		}
	}
	return nil
}

// DefaultRenderPassShape is a single subpass writing the swapchain colour
// image, with an optional cleared depth attachment.
func DefaultRenderPassShape(depth bool) RenderPassShape {
	shape := RenderPassShape{
		Attachments: []RenderTargetAttachmentConfig{{
			RenderTargetAttachmentType: RENDER_TARGET_ATTACHMENT_TYPE_COLOUR,
			Format:                     FormatSwapchain,
			Samples:                    1,
			LoadOperation:              RENDER_TARGET_ATTACHMENT_LOAD_OPERATION_CLEAR,
			StoreOperation:             RENDER_TARGET_ATTACHMENT_STORE_OPERATION_STORE,
			PresentAfter:               true,
		}},
		Subpasses: []SubpassConfig{{ColourAttachments: []uint32{0}, DepthAttachment: -1}},
	}
	if depth {
		shape.Attachments = append(shape.Attachments, RenderTargetAttachmentConfig{
			RenderTargetAttachmentType: RENDER_TARGET_ATTACHMENT_TYPE_DEPTH,
			Format:                     FormatDepth32F,
			Samples:                    1,
			LoadOperation:              RENDER_TARGET_ATTACHMENT_LOAD_OPERATION_CLEAR,
			StoreOperation:             RENDER_TARGET_ATTACHMENT_STORE_OPERATION_DONT_CARE,
		})
		shape.Subpasses[0].DepthAttachment = 1
	}
	return shape
}

/**
 * @brief The render pass and subpass a pipeline is compatible with.
 */
type RenderTarget struct {
	Shape   RenderPassShape
	Subpass uint32
}

/**
 * @brief Framebuffer request: a render pass shape, concrete attachment views and size.
 */
type FramebufferConfig struct {
	Shape  RenderPassShape
	Views  []Handle
	Width  uint32
	Height uint32
}
