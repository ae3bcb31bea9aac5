package database

import (
	"encoding/json"

	"github.com/kwang1012/sregym/pkg/models"
)

func resultsJSON(results map[models.Stage]models.StageResult) []byte {
	if results == nil {
		results = map[models.Stage]models.StageResult{}
	}
	b, err := json.Marshal(results)
	if err != nil {
		// Results only ever contains JSON-safe StageResult values (spec.md
		// §3: Score is a float or the literal string "Invalid Format"), so
		// marshal failure here indicates a programming error upstream.
		panic("database: marshal results: " + err.Error())
	}
	return b
}

func parseResultsJSON(raw []byte) (map[models.Stage]models.StageResult, error) {
	if len(raw) == 0 {
		return map[models.Stage]models.StageResult{}, nil
	}
	var results map[models.Stage]models.StageResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, err
	}
	return results, nil
}
