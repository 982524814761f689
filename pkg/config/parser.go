package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Format is the syntax of a plugins file.
type Format string

const (
	// FormatYAML covers YAML and JSON files.
	FormatYAML Format = "yaml"

	// FormatCUE covers CUE files.
	FormatCUE Format = "cue"
)

var pluginNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported plugins file extension %q", filepath.Ext(path))
	}
}

// Parser loads and validates plugins files. A Parser is not safe for
// concurrent use.
type Parser struct {
	ctx      *cue.Context
	schema   cue.Value
	validate *validator.Validate
}

// NewParser creates a parser with the plugins schema compiled.
func NewParser() (*Parser, error) {
	ctx := cuecontext.New()

	schema, err := compileSchema(ctx)
	if err != nil {
		return nil, err
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := validate.RegisterValidation("pluginname", func(fl validator.FieldLevel) bool {
		return pluginNamePattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("failed to register plugin name validation: %w", err)
	}

	return &Parser{
		ctx:      ctx,
		schema:   schema,
		validate: validate,
	}, nil
}

// Load reads, parses and validates the plugins file at path.
func (p *Parser) Load(path string) (*File, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugins file: %w", err)
	}

	return p.Parse(data, format, path)
}

// Parse parses and validates data. source is used for error positions and
// to resolve relative module paths; it may be empty.
func (p *Parser) Parse(data []byte, format Format, source string) (*File, error) {
	var (
		file *File
		err  error
	)

	switch format {
	case FormatYAML:
		file, err = p.parseYAML(data, source)
	case FormatCUE:
		file, err = p.parseCUE(data, source)
	default:
		return nil, fmt.Errorf("unsupported plugins file format %q", format)
	}
	if err != nil {
		return nil, err
	}

	file.Source = source
	if err := p.Validate(file); err != nil {
		return nil, err
	}

	return file, nil
}

func (p *Parser) parseYAML(data []byte, source string) (*File, error) {
	var file File

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, yamlErrors(err, source)
	}

	return &file, nil
}

func (p *Parser) parseCUE(data []byte, source string) (*File, error) {
	opts := []cue.BuildOption{}
	if source != "" {
		opts = append(opts, cue.Filename(source))
	}

	val := p.ctx.CompileBytes(data, opts...)
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified := p.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var file File
	if err := unified.Decode(&file); err != nil {
		return nil, convertCUEErrors(err)
	}

	return &file, nil
}

// Validate checks file against the field constraints of File and Plugin.
func (p *Parser) Validate(file *File) error {
	err := p.validate.Struct(file)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("failed to validate plugins file: %w", err)
	}

	errs := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, ValidationError{
			File:    file.Source,
			Path:    strings.TrimPrefix(fe.Namespace(), "File."),
			Message: fieldMessage(fe),
		})
	}
	return errs
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "unique":
		return "plugin names must be unique"
	case "pluginname":
		return fmt.Sprintf("%q must start with a letter or digit and contain only letters, digits, '.', '_' or '-'", fe.Value())
	case "len", "hexadecimal":
		return "must be a 64 character hex sha256"
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

func yamlErrors(err error, source string) ValidationErrors {
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		errs := make(ValidationErrors, 0, len(typeErr.Errors))
		for _, msg := range typeErr.Errors {
			errs = append(errs, ValidationError{File: source, Message: msg})
		}
		return errs
	}

	return ValidationErrors{{File: source, Message: err.Error()}}
}

// convertCUEErrors flattens a CUE error into positioned validation errors.
func convertCUEErrors(err error) ValidationErrors {
	var errs ValidationErrors

	for _, e := range cueerrors.Errors(err) {
		var (
			file         string
			line, column int
		)
		// Prefer a position in the user's file over one in the schema.
		for i, pos := range cueerrors.Positions(e) {
			if i > 0 && pos.Filename() == schemaFilename {
				continue
			}
			file = pos.Filename()
			line = pos.Line()
			column = pos.Column()
			if file != schemaFilename {
				break
			}
		}

		format, args := e.Msg()
		errs = append(errs, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}

	if len(errs) == 0 {
		errs = append(errs, ValidationError{Message: err.Error()})
	}
	return errs
}
