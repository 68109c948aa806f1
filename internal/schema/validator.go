// Package schema validates a submission's input_data against the
// JSON schema registered for its task_type before the job is ever
// created.
package schema

import (
	"encoding/json"
	"strings"

	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"github.com/xeipuuv/gojsonschema"
)

// registry maps task_type to the JSON schema its input_data must
// satisfy. Keyed by task_type rather than (model_name, task_type)
// since every model sharing a task_type takes the same input shape;
// model-specific constraints, if any emerge, narrow a copy of the
// base schema under a "model_name:task_type" key instead of widening
// this one.
var registry = map[string]string{
	"protein_ligand_binding": `{
		"type": "object",
		"required": ["protein_sequence", "ligand_smiles"],
		"properties": {
			"protein_sequence": {"type": "string", "minLength": 1},
			"ligand_smiles": {"type": "string", "minLength": 1},
			"ligand_name": {"type": "string"},
			"parameters": {"type": "object"}
		}
	}`,
	"batch_protein_ligand_screening": `{
		"type": "object",
		"required": ["protein_sequence", "ligands"],
		"properties": {
			"protein_sequence": {"type": "string", "minLength": 1},
			"ligands": {
				"type": "array",
				"minItems": 1,
				"maxItems": 1500,
				"items": {
					"type": "object",
					"required": ["smiles"],
					"properties": {
						"name": {"type": "string"},
						"smiles": {"type": "string", "minLength": 1}
					}
				}
			},
			"max_concurrent": {"type": "integer", "minimum": 1},
			"parameters": {"type": "object"}
		}
	}`,
	"nanobody_design": `{
		"type": "object",
		"required": ["target_sequence"],
		"properties": {
			"target_sequence": {"type": "string", "minLength": 1},
			"scaffold": {"type": "string"},
			"parameters": {"type": "object"}
		}
	}`,
}

// Validate checks inputData against the schema registered for
// taskType. An unrecognized task_type is itself a validation error:
// the submission API's own (model_name, task_type) acceptance table
// must agree with this registry, so reaching here with an unknown
// task_type means the tables have drifted.
func Validate(taskType string, inputData json.RawMessage) error {
	schemaJSON, ok := registry[taskType]
	if !ok {
		return model.NewValidationError("no input schema registered for task_type: " + taskType)
	}

	schemaLoader := gojsonschema.NewStringLoader(schemaJSON)
	documentLoader := gojsonschema.NewBytesLoader(inputData)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return model.NewError(model.KindValidation, "input_data is not valid JSON").WithErr(err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return model.NewValidationError(strings.Join(msgs, "; "))
	}
	return nil
}
