package gpucache

import (
	"fmt"

	"github.com/ankur-anand/gpucache/config"
)

// HandleType is the GPU cache domain a Handle belongs to.
type HandleType uint8

const (
	HandleGLShader HandleType = iota + 1
	HandleDawnWebGPU
	HandleDawnGraphite
)

func (t HandleType) String() string {
	switch t {
	case HandleGLShader:
		return "gl_shader"
	case HandleDawnWebGPU:
		return "dawn_webgpu"
	case HandleDawnGraphite:
		return "dawn_graphite"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Handle identifies one cache in a Collection.
type Handle struct {
	Type HandleType
	ID   int32
}

// Valid reports whether h names a known handle type. GetCache still serves
// invalid handles under the "Unknown" prefix and logs a warning.
func (h Handle) Valid() bool {
	switch h.Type {
	case HandleGLShader, HandleDawnWebGPU, HandleDawnGraphite:
		return true
	}
	return false
}

// Prefix is the metrics namespace of caches created for h.
func (h Handle) Prefix() string {
	switch h.Type {
	case HandleGLShader:
		return "OpenGL"
	case HandleDawnWebGPU:
		return "WebGPU"
	case HandleDawnGraphite:
		return "GraphiteDawn"
	default:
		return "Unknown"
	}
}

func (h Handle) String() string {
	return fmt.Sprintf("%s:%d", h.Type, h.ID)
}

func (h Handle) defaultLimits() config.EntryLimits {
	switch h.Type {
	case HandleGLShader:
		return config.GLShaderLimits()
	case HandleDawnWebGPU, HandleDawnGraphite:
		return config.DawnLimits()
	default:
		return config.DefaultEntryLimits()
	}
}
