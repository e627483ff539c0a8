package shader

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/spaghettifunk/pipeforge/engine/renderer/metadata"
)

// reflectionSection is one of the headed blocks glslangValidator -q prints.
type reflectionSection uint8

const (
	sectionNone reflectionSection = iota
	sectionUniforms
	sectionUniformBlocks
	sectionAttributes
	sectionOther
)

var (
	reflectionLineRe = regexp.MustCompile(`^\s*([^:]+):\s*(.*)$`)
	arrayIndexRe     = regexp.MustCompile(`\[\d+\]$`)
)

// GL type enums of the opaque sampler types that become combined image samplers.
var samplerTypes = map[uint32]bool{
	0x8B5D: true, // sampler1D
	0x8B5E: true, // sampler2D
	0x8B5F: true, // sampler3D
	0x8B60: true, // samplerCube
	0x8B61: true, // sampler1DShadow
	0x8B62: true, // sampler2DShadow
	0x8DC0: true, // sampler1DArray
	0x8DC1: true, // sampler2DArray
	0x8DC3: true, // sampler1DArrayShadow
	0x8DC4: true, // sampler2DArrayShadow
	0x8DC5: true, // samplerCubeShadow
	0x8DC9: true, // isampler1D
	0x8DCA: true, // isampler2D
	0x8DCB: true, // isampler3D
	0x8DCC: true, // isamplerCube
	0x8DD1: true, // usampler1D
	0x8DD2: true, // usampler2D
	0x8DD3: true, // usampler3D
	0x8DD4: true, // usamplerCube
	0x9108: true, // sampler2DMS
	0x900C: true, // samplerCubeMapArray
}

/**
 * @brief One line of reflection output:
 * `name: offset O, type T, size S, index I, binding B`.
 */
type ReflectionRecord struct {
	Name    string
	Offset  int
	Type    uint32
	Size    int
	Index   int
	Binding int
}

// parseRecord reads the comma separated key/value list after the name. Keys
// glslang adds in newer versions (stages, numMembers...) are ignored.
func parseRecord(line string) (ReflectionRecord, bool) {
	m := reflectionLineRe.FindStringSubmatch(line)
	if m == nil {
		return ReflectionRecord{}, false
	}
	rec := ReflectionRecord{Name: strings.TrimSpace(m[1]), Offset: -1, Index: -1, Binding: -1}
	seen := false
	for _, field := range strings.Split(m[2], ",") {
		parts := strings.Fields(field)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		switch key {
		case "offset":
			rec.Offset, _ = strconv.Atoi(value)
		case "type":
			t, err := strconv.ParseUint(value, 16, 32)
			if err != nil {
				continue
			}
			rec.Type = uint32(t)
		case "size":
			rec.Size, _ = strconv.Atoi(value)
		case "index":
			rec.Index, _ = strconv.Atoi(value)
		case "binding":
			rec.Binding, _ = strconv.Atoi(value)
		default:
			continue
		}
		seen = true
	}
	return rec, seen
}

// ParseReflection turns glslangValidator reflection output into the stage's
// discovered tables. setOf maps a uniform name to the set it was declared in.
func ParseReflection(stage metadata.ShaderStage, output string, setOf func(name string) uint32) (*metadata.ShaderReflection, error) {
	if setOf == nil {
		setOf = func(string) uint32 { return 0 }
	}
	refl := metadata.NewShaderReflection()
	section := sectionNone

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasSuffix(trimmed, "reflection:") {
			switch trimmed {
			case "Uniform reflection:":
				section = sectionUniforms
			case "Uniform block reflection:":
				section = sectionUniformBlocks
			case "Vertex attribute reflection:":
				section = sectionAttributes
			default:
				section = sectionOther
			}
			continue
		}
		if section == sectionNone || section == sectionOther {
			continue
		}
		rec, ok := parseRecord(trimmed)
		if !ok {
			continue
		}

		switch section {
		case sectionUniforms:
			// block members report binding -1, only opaque types carry one
			if rec.Binding < 0 || !samplerTypes[rec.Type] {
				continue
			}
			count := uint32(max(rec.Size, 1))
			addDescriptor(refl, setOf(rec.Name), metadata.DescriptorBinding{
				Name:    rec.Name,
				Kind:    metadata.DescriptorKindCombinedImageSampler,
				Binding: uint32(rec.Binding),
				Count:   count,
			})
		case sectionUniformBlocks:
			name := arrayIndexRe.ReplaceAllString(rec.Name, "")
			if rec.Binding < 0 {
				refl.PushConstants = append(refl.PushConstants, metadata.PushConstantRange{
					Offset: uint32(max(rec.Offset, 0)),
					Size:   uint32(max(rec.Size, 0)),
					Stages: stage,
				})
				continue
			}
			set := setOf(name)
			if coalesceBlock(refl, set, name, uint32(rec.Binding)) {
				continue
			}
			addDescriptor(refl, set, metadata.DescriptorBinding{
				Name:    name,
				Kind:    metadata.DescriptorKindUniformBuffer,
				Binding: uint32(rec.Binding),
				Count:   1,
			})
		case sectionAttributes:
			refl.Attributes = append(refl.Attributes, metadata.ShaderAttribute{
				Name:     rec.Name,
				Location: rec.Index,
				Type:     rec.Type,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading reflection: %w", err)
	}
	return refl, nil
}

func addDescriptor(refl *metadata.ShaderReflection, set uint32, d metadata.DescriptorBinding) {
	refl.Descriptors[set] = append(refl.Descriptors[set], d)
}

// coalesceBlock folds another element of a block array into the existing entry.
func coalesceBlock(refl *metadata.ShaderReflection, set uint32, name string, binding uint32) bool {
	for i, d := range refl.Descriptors[set] {
		if d.Kind == metadata.DescriptorKindUniformBuffer && d.Binding == binding && d.Name == name {
			refl.Descriptors[set][i].Count++
			return true
		}
	}
	return false
}
