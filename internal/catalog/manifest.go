package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest file name looked up in every plugin directory.
const ManifestFile = "manifest.yaml"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their manifest key rather than the Go field name.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Manifest represents the plugin manifest.yaml structure.
type Manifest struct {
	Name        string         `yaml:"name" validate:"required,max=128,excludes=/"`
	Version     string         `yaml:"version" validate:"required,semver"`
	Description string         `yaml:"description"`
	Wasm        WasmConfig     `yaml:"wasm"`
	Config      map[string]any `yaml:"config"`
	Author      string         `yaml:"author"`
	License     string         `yaml:"license"`

	// Internal fields
	dir string // Directory containing manifest
}

// WasmConfig holds Wasm module configuration.
type WasmConfig struct {
	File string `yaml:"file" validate:"required,endswith=.wasm"`
}

// ParseManifest reads and parses manifest.yaml from a directory.
func ParseManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, ManifestFile)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{
			Path: manifestPath,
			Err:  err,
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{
			Path: manifestPath,
			Err:  err,
		}
	}

	m.dir = dir

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest fields and that the referenced Wasm file exists.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		return m.validationError(err)
	}

	if !filepath.IsLocal(m.Wasm.File) {
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   "wasm.file",
			Message: "wasm.file must be a path inside the plugin directory",
		}
	}

	info, err := os.Stat(m.WasmPath())
	if err != nil || info.IsDir() {
		return &WasmNotFoundError{
			ManifestPath: m.Path(),
			WasmFile:     m.Wasm.File,
		}
	}

	return nil
}

// validationError reports the first failed field.
func (m *Manifest) validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ManifestValidationError{Path: m.Path(), Message: err.Error()}
	}

	fe := fieldErrs[0]
	// Namespace is "Manifest.wasm.file"; drop the struct name.
	_, field, _ := strings.Cut(fe.Namespace(), ".")

	var msg string
	switch fe.Tag() {
	case "required":
		msg = field + " is required"
	case "semver":
		msg = fmt.Sprintf("version '%v' is not a semantic version", fe.Value())
	case "endswith":
		msg = fmt.Sprintf("%s must end with '%s'", field, fe.Param())
	case "excludes":
		msg = fmt.Sprintf("%s must not contain '%s'", field, fe.Param())
	default:
		msg = fmt.Sprintf("%s failed '%s' validation", field, fe.Tag())
	}

	return &ManifestValidationError{
		Path:    m.Path(),
		Field:   field,
		Message: msg,
	}
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, ManifestFile)
}

// WasmPath returns the path to the Wasm file.
func (m *Manifest) WasmPath() string {
	return filepath.Join(m.dir, m.Wasm.File)
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}
