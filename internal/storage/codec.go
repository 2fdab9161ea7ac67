package storage

import (
	"encoding/json"
	"errors"

	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeCheckpoint(cp model.Checkpoint) ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, goerr.Wrap(err, "encode checkpoint", goerr.V("run_id", cp.RunID), goerr.V("iteration", cp.Iteration))
	}
	return data, nil
}

func DecodeCheckpoint(data []byte) (model.Checkpoint, error) {
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return model.Checkpoint{}, goerr.Wrap(err, "decode checkpoint")
	}
	if err := checkVersion(cp.VersionedRecord); err != nil {
		return model.Checkpoint{}, goerr.Wrap(err, "decode checkpoint", goerr.V("run_id", cp.RunID))
	}
	return cp, nil
}

func EncodeRun(run model.RunRecord) ([]byte, error) {
	data, err := json.Marshal(run)
	if err != nil {
		return nil, goerr.Wrap(err, "encode run record", goerr.V("run_id", run.ID))
	}
	return data, nil
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, goerr.Wrap(err, "decode run record")
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, goerr.Wrap(err, "decode run record", goerr.V("run_id", run.ID))
	}
	return run, nil
}

func EncodeLossHistory(history []float64) ([]byte, error) {
	data, err := json.Marshal(history)
	if err != nil {
		return nil, goerr.Wrap(err, "encode loss history")
	}
	return data, nil
}

func DecodeLossHistory(data []byte) ([]float64, error) {
	var history []float64
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, goerr.Wrap(err, "decode loss history")
	}
	return history, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return goerr.Wrap(ErrVersionMismatch, "check record version",
			goerr.V("schema", v.SchemaVersion), goerr.V("codec", v.CodecVersion))
	}
	return nil
}
