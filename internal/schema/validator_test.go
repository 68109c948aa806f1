package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAcceptsWellFormedIndividualInput(t *testing.T) {
	input := []byte(`{"protein_sequence": "MKT...", "ligand_smiles": "CCO", "ligand_name": "ethanol"}`)
	err := Validate("protein_ligand_binding", input)
	assert.NoError(t, err)
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	input := []byte(`{"protein_sequence": "MKT..."}`)
	err := Validate("protein_ligand_binding", input)
	assert.Error(t, err)
}

func TestValidateAcceptsBatchInput(t *testing.T) {
	input := []byte(`{
		"protein_sequence": "MKT...",
		"ligands": [{"name": "ethanol", "smiles": "CCO"}, {"name": "isopropanol", "smiles": "CC(C)O"}]
	}`)
	err := Validate("batch_protein_ligand_screening", input)
	assert.NoError(t, err)
}

func TestValidateRejectsEmptyLigandList(t *testing.T) {
	input := []byte(`{"protein_sequence": "MKT...", "ligands": []}`)
	err := Validate("batch_protein_ligand_screening", input)
	assert.Error(t, err)
}

func TestValidateRejectsUnknownTaskType(t *testing.T) {
	err := Validate("unknown_task", []byte(`{}`))
	assert.Error(t, err)
}

func TestValidateRejectsMalformedJSON(t *testing.T) {
	err := Validate("protein_ligand_binding", []byte(`not json`))
	assert.Error(t, err)
}
