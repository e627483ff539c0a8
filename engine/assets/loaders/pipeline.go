// Package loaders turns pipeline description files into
// metadata.PipelineDescription values.
package loaders

import (
	"bytes"
	"embed"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/jacoelho/xsd"
	xsderrors "github.com/jacoelho/xsd/errors"

	"github.com/spaghettifunk/pipeforge/engine/core"
	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

//go:embed pipeline.xsd
var schemaFS embed.FS

var loadSchema = sync.OnceValues(func() (*xsd.Schema, error) {
	return xsd.Load(schemaFS, "pipeline.xsd")
})

/**
 * @brief A description file that failed validation or decoding. Line is 0
 * when the problem is not tied to one element.
 */
type DescriptionError struct {
	File string
	Line int
	Err  error
}

func (e *DescriptionError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Err)
}

func (e *DescriptionError) Unwrap() []error {
	return []error{core.ErrInvalidDescription, e.Err}
}

type PipelineLoader struct{}

func (PipelineLoader) Load(path string) (*metadata.PipelineDescription, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	return Parse(abs, data)
}

/**
 * @brief Validates data against the embedded schema and decodes it.
 * @param path The file the data came from; stage paths resolve against its directory.
 * @param data The description document.
 * @return The validated description or a *DescriptionError.
 */
func Parse(path string, data []byte) (*metadata.PipelineDescription, error) {
	if err := validate(path, data); err != nil {
		return nil, err
	}
	desc, err := decode(path, data)
	if err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, &DescriptionError{File: path, Err: err}
	}
	return desc, nil
}

func validate(path string, data []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return fmt.Errorf("pipeline schema: %w", err)
	}
	err = schema.Validate(bytes.NewReader(data))
	if err == nil {
		return nil
	}
	violations, ok := xsderrors.AsValidations(err)
	if !ok || len(violations) == 0 {
		return &DescriptionError{File: path, Err: err}
	}
	msgs := make([]string, len(violations))
	for i := range violations {
		msgs[i] = violations[i].Message
	}
	return &DescriptionError{File: path, Line: violations[0].Line, Err: errors.New(strings.Join(msgs, "; "))}
}

func attributes(se xml.StartElement) map[string]string {
	out := make(map[string]string, len(se.Attr))
	for _, a := range se.Attr {
		out[a.Name.Local] = strings.TrimSpace(a.Value)
	}
	return out
}

func decode(path string, data []byte) (*metadata.PipelineDescription, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var desc *metadata.PipelineDescription
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		line, _ := dec.InputPos()
		if err != nil {
			return nil, &DescriptionError{File: path, Line: line, Err: err}
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		attrs := attributes(se)
		if desc == nil {
			if se.Name.Local != "pipeline" {
				return nil, &DescriptionError{File: path, Line: line, Err: fmt.Errorf("root element is <%s>, expected <pipeline>", se.Name.Local)}
			}
			desc, err = decodePipeline(path, attrs)
		} else {
			err = decodeChild(desc, se.Name.Local, attrs)
		}
		if err != nil {
			return nil, &DescriptionError{File: path, Line: line, Err: err}
		}
	}
	if desc == nil {
		return nil, &DescriptionError{File: path, Err: errors.New("document has no <pipeline> element")}
	}
	return desc, nil
}

func parseBool(attrs map[string]string, name string, out *bool) error {
	v, ok := attrs[name]
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*out = b
	return nil
}

func parseUint(attrs map[string]string, name string, out *uint32) error {
	v, ok := attrs[name]
	if !ok {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*out = uint32(n)
	return nil
}

// parseAttr runs parse on the attribute when it is present.
func parseAttr[T any](attrs map[string]string, name string, parse func(string) (T, error), out *T) error {
	v, ok := attrs[name]
	if !ok {
		return nil
	}
	parsed, err := parse(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*out = parsed
	return nil
}

func decodePipeline(path string, attrs map[string]string) (*metadata.PipelineDescription, error) {
	desc := metadata.NewPipelineDescription(attrs["name"], filepath.Dir(path))
	desc.Path = path
	return desc, errors.Join(
		parseAttr(attrs, "size", metadata.ParseTargetSize, &desc.Size),
		parseAttr(attrs, "vertex_input", metadata.ParseVertexInputKind, &desc.VertexInput),
		parseAttr(attrs, "topology", metadata.ParsePrimitiveTopology, &desc.Topology),
		parseAttr(attrs, "polygon_mode", metadata.ParsePolygonMode, &desc.PolygonMode),
		parseAttr(attrs, "cull_mode", metadata.ParseCullMode, &desc.CullMode),
		parseBool(attrs, "depth_test", &desc.DepthTest),
		parseBool(attrs, "depth_write", &desc.DepthWrite),
		parseBool(attrs, "depth_clamp", &desc.DepthClamp),
		parseUint(attrs, "patch_control_points", &desc.PatchControlPoints),
	)
}

func decodeChild(desc *metadata.PipelineDescription, element string, attrs map[string]string) error {
	switch element {
	case "stage":
		stage := metadata.ShaderStageNone
		if err := parseAttr(attrs, "kind", metadata.ShaderStageFromName, &stage); err != nil {
			return err
		}
		_, err := desc.AddStage(attrs["file"], stage)
		return err

	case "macro":
		stages, err := metadata.ParseShaderStageMask(attrs["stages"])
		if err != nil {
			return err
		}
		m, err := metadata.ParseShaderMacro(stages, attrs["value"])
		if err != nil {
			return err
		}
		desc.Macros = append(desc.Macros, m)

	case "blend_attachment":
		b := metadata.DefaultBlendAttachment()
		if err := errors.Join(
			parseBool(attrs, "enable", &b.Enable),
			parseAttr(attrs, "src_color", metadata.ParseBlendFactor, &b.SrcColor),
			parseAttr(attrs, "dst_color", metadata.ParseBlendFactor, &b.DstColor),
			parseAttr(attrs, "src_alpha", metadata.ParseBlendFactor, &b.SrcAlpha),
			parseAttr(attrs, "dst_alpha", metadata.ParseBlendFactor, &b.DstAlpha),
		); err != nil {
			return err
		}
		desc.BlendAttachments = append(desc.BlendAttachments, b)

	case "dynamic":
		states, err := metadata.ParseDynamicState(attrs["states"])
		if err != nil {
			return err
		}
		desc.DynamicStates |= states

	case "link":
		l := metadata.LinkDescription{
			Binding:        metadata.LinkDiscoverBinding,
			DescriptorName: attrs["descriptor_name"],
			ResourceName:   attrs["resource_name"],
		}
		var binding uint32
		if _, ok := attrs["binding"]; ok {
			if err := parseUint(attrs, "binding", &binding); err != nil {
				return err
			}
			l.Binding = int(binding)
		}
		if err := errors.Join(
			parseUint(attrs, "array_element", &l.ArrayElement),
			parseAttr(attrs, "sampler", metadata.ParseSamplerKind, &l.Sampler),
		); err != nil {
			return err
		}
		desc.Links = append(desc.Links, l)

	default:
		return fmt.Errorf("unknown element <%s>", element)
	}
	return nil
}
