package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError is a single configuration problem
type ValidationError struct {
	FieldPath string // dotted yaml path, e.g. "upstreams.trusted"
	Message   string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d error(s):", len(ve))
	for _, err := range ve {
		fmt.Fprintf(&sb, " %s: %s;", err.FieldPath, err.Message)
	}
	return strings.TrimSuffix(sb.String(), ";")
}

var validate *validator.Validate

func init() {
	validate = validator.New()

	if err := validate.RegisterValidation("upstream", validateUpstreamTag); err != nil {
		panic(err)
	}

	// Report fields by their yaml names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// validateUpstreamTag accepts "ip" or "ip:port" ("[v6]:port" for IPv6)
func validateUpstreamTag(fl validator.FieldLevel) bool {
	return validUpstream(fl.Field().String())
}

func validUpstream(value string) bool {
	if value == "" {
		return false
	}
	if _, err := netip.ParseAddr(value); err == nil {
		return true
	}
	host, port, err := net.SplitHostPort(value)
	if err != nil || port == "" {
		return false
	}
	if _, err := netip.ParseAddrPort(net.JoinHostPort(host, port)); err != nil {
		return false
	}
	return true
}

// validateStruct runs the struct tag rules and converts failures to ValidationErrors
func validateStruct(c *Config) ValidationErrors {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return ValidationErrors{{FieldPath: "config", Message: err.Error()}}
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		// Namespace is "Config.server.listen_address"; drop the root type name
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		out = append(out, ValidationError{
			FieldPath: path,
			Message:   validationMessage(fe),
		})
	}
	return out
}

// validationMessage returns a human-readable message for a validation error
func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "field is required"
	case "gte":
		return fmt.Sprintf("must be >= %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "ip":
		return "must be a valid IP address"
	case "hostname_port":
		return "must be in format 'host:port'"
	case "upstream":
		return "must be an IP address, optionally with a port"
	default:
		return fmt.Sprintf("validation failed: %s", e.Tag())
	}
}
