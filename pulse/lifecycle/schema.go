package lifecycle

import (
	"bytes"
	_ "embed"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/trellisfw/target-helper/errors"
)

//go:embed update.schema.json
var updateSchemaJSON []byte

func compileUpdateSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("update.schema.json", bytes.NewReader(updateSchemaJSON)); err != nil {
		return nil, errors.Wrap(err, "add update schema")
	}
	schema, err := compiler.Compile("update.schema.json")
	if err != nil {
		return nil, errors.Wrap(err, "compile update schema")
	}
	return schema, nil
}

// validateUpdate checks one raw update body. Values are re-decoded so
// numbers reach the validator in the form it expects.
func validateUpdate(schema *jsonschema.Schema, raw interface{}) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "update is not JSON"), errors.ErrMalformedUpdate)
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return errors.Mark(errors.Wrap(err, "update is not JSON"), errors.ErrMalformedUpdate)
	}
	if err := schema.Validate(v); err != nil {
		return errors.Mark(errors.Wrap(err, "update does not match schema"), errors.ErrMalformedUpdate)
	}
	return nil
}
