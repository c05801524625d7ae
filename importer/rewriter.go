package importer

import (
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gitlab.alpinelinux.org/alpine/security/vulndb/vulndb"
)

// RewriterEnv is what predicates and rewrite rules see of a detail. vendor
// and version are the components of the detail's CPE.
type RewriterEnv struct {
	Package     string `expr:"package"`
	Vendor      string `expr:"vendor"`
	Version     string `expr:"version"`
	PackageType string `expr:"package_type"`
	MinVersion  string `expr:"min_version"`
	MaxVersion  string `expr:"max_version"`
	CpeURI      string `expr:"cpe_uri"`
}

var rewritableFields = map[string]bool{
	"package":      true,
	"vendor":       true,
	"version":      true,
	"package_type": true,
	"min_version":  true,
	"max_version":  true,
	"cpe_uri":      true,
}

type compiledRewriter struct {
	Predicate   *vm.Program
	RewriteRule *vm.Program
	Field       string
}

func NewCompiledRewriter(r vulndb.Rewriter) (cr compiledRewriter, err error) {
	genericOpts := []expr.Option{
		expr.Env(RewriterEnv{}),
		expr.Function(
			"fmt",
			exprFmt,
			new(func(string, string) string),
			new(func([]any, string) string),
		),
	}

	if r.Field != "" {
		cr.Field = r.Field
	} else {
		cr.Field = "package"
	}
	if !rewritableFields[cr.Field] {
		return cr, fmt.Errorf("field %q cannot be rewritten", cr.Field)
	}

	predicateOpts := append(genericOpts,
		expr.AsBool(),
	)
	cr.Predicate, err = expr.Compile(r.Predicate, predicateOpts...)
	if err != nil {
		return cr, fmt.Errorf("error compiling predicate: %w", err)
	}

	rewriterOpts := append(genericOpts,
		expr.AsKind(reflect.String),
	)
	cr.RewriteRule, err = expr.Compile(r.RewriteRule, rewriterOpts...)
	if err != nil {
		return cr, fmt.Errorf("error compiling rewrite rule: %w", err)
	}

	return cr, err
}

// CompileRewriters compiles the configured rewriters in order.
func CompileRewriters(rewriters []vulndb.Rewriter) ([]compiledRewriter, error) {
	compiled := make([]compiledRewriter, 0, len(rewriters))
	for i, rewriter := range rewriters {
		cr, err := NewCompiledRewriter(rewriter)
		if err != nil {
			return nil, fmt.Errorf("could not parse rewrite rule %d, %w", i+1, err)
		}
		compiled = append(compiled, cr)
	}
	return compiled, nil
}

// Rewrite applies the rule to d, which must be normalized, when the
// predicate holds.
func (c compiledRewriter) Rewrite(d vulndb.VulnerabilityDetail) (vulndb.VulnerabilityDetail, error) {
	cpe := vulndb.ParseCPE(d.CpeURI).TakeOr(vulndb.CPE{})
	env := RewriterEnv{
		Package:     d.Package,
		Vendor:      cpe.Vendor,
		Version:     cpe.Version,
		PackageType: d.PackageType,
		MinVersion:  d.MinAffectedVersion,
		MaxVersion:  d.MaxAffectedVersion,
		CpeURI:      d.CpeURI,
	}
	predicate, err := expr.Run(c.Predicate, env)
	if err != nil {
		return d, fmt.Errorf("could not evaluate predicate: %w", err)
	}
	if !predicate.(bool) {
		return d, nil
	}
	result, err := expr.Run(c.RewriteRule, env)
	if err != nil {
		return d, fmt.Errorf("could not evaluate rewrite rule: %w", err)
	}
	resultStr := result.(string)
	switch c.Field {
	case "package":
		d.Package = resultStr
	case "vendor":
		cpe.Vendor = resultStr
		d.CpeURI = vulndb.ReplaceCPE(d.CpeURI, cpe)
	case "version":
		cpe.Version = resultStr
		d.CpeURI = vulndb.ReplaceCPE(d.CpeURI, cpe)
	case "package_type":
		d.PackageType = resultStr
	case "min_version":
		d.MinAffectedVersion = resultStr
	case "max_version":
		d.MaxAffectedVersion = resultStr
	case "cpe_uri":
		d.CpeURI = resultStr
	}

	return d, nil
}

func rewriteVulnerability(rewriters []compiledRewriter, v vulndb.Vulnerability) (vulndb.Vulnerability, error) {
	if len(rewriters) == 0 {
		return v, nil
	}
	details := make([]vulndb.VulnerabilityDetail, 0, len(v.Details))
	for _, d := range v.Details {
		d = d.Normalize()
		for _, rewriter := range rewriters {
			var err error
			d, err = rewriter.Rewrite(d)
			if err != nil {
				return v, err
			}
		}
		details = append(details, d)
	}
	v.Details = details
	return v, nil
}

// exprFmt is an implementation of sprintf for expr. It takes the thing to be
// formatted as the first argument to make it possible to use with pipes. The
// first argument can either be a string, or a list of any value.
func exprFmt(params ...any) (any, error) {
	switch arg1 := params[0].(type) {
	case string:
		return fmt.Sprintf(params[1].(string), arg1), nil
	case []any:
		return fmt.Sprintf(params[1].(string), arg1...), nil
	default:
		return "", fmt.Errorf("unsupported type for argument 1: %T", arg1)
	}
}
