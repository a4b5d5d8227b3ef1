package mapping

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/oceanframework/ocean/internal/oceanerr"
)

// Program is a compiled mapping expression. Programs are immutable and safe
// for concurrent evaluation.
type Program struct {
	source string
	code   *gojq.Code
}

// programCache holds compiled programs keyed by expression source. Mapping
// specs repeat the same expressions across kinds and reloads, so compilation
// happens once per distinct source.
var programCache sync.Map

// Compile parses and compiles a jq expression, consulting the cache first.
// A malformed expression is a configuration error: the loader uses it to
// disable the offending kind at load time.
func Compile(source string) (*Program, error) {
	if cached, ok := programCache.Load(source); ok {
		return cached.(*Program), nil
	}

	query, err := gojq.Parse(source)
	if err != nil {
		return nil, oceanerr.Wrap(oceanerr.KindConfig, "invalid mapping expression "+source, err)
	}

	code, err := gojq.Compile(query)
	if err != nil {
		return nil, oceanerr.Wrap(oceanerr.KindConfig, "mapping expression does not compile: "+source, err)
	}

	program := &Program{source: source, code: code}
	programCache.Store(source, program)
	return program, nil
}

// MustCompile compiles an expression and panics on failure. Test helper.
func MustCompile(source string) *Program {
	program, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return program
}

// Source returns the expression text the program was compiled from
func (p *Program) Source() string {
	return p.source
}

// Eval runs the program over a JSON-shaped input and returns the first
// emitted value. Evaluation is pure; expressions cannot perform I/O.
func (p *Program) Eval(ctx context.Context, input interface{}) (interface{}, error) {
	iter := p.code.RunWithContext(ctx, input)
	value, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := value.(error); isErr {
		if oceanerr.IsCanceled(err) {
			return nil, err
		}
		return nil, oceanerr.Mapping("expression "+p.source+" failed", err)
	}
	return value, nil
}

// EvalSeq runs the program and returns every emitted value. Used for
// itemsToParse expressions which may yield a stream rather than an array.
func (p *Program) EvalSeq(ctx context.Context, input interface{}) ([]interface{}, error) {
	iter := p.code.RunWithContext(ctx, input)
	var values []interface{}
	for {
		value, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := value.(error); isErr {
			if oceanerr.IsCanceled(err) {
				return nil, err
			}
			return nil, oceanerr.Mapping("expression "+p.source+" failed", err)
		}
		values = append(values, value)
	}
	return values, nil
}

// Truthy applies jq truthiness: everything except false and null
func Truthy(value interface{}) bool {
	if value == nil {
		return false
	}
	if b, ok := value.(bool); ok {
		return b
	}
	return true
}
