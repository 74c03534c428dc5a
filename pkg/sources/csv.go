package sources

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	geojson "github.com/paulmach/go.geojson"

	"radiomap/pkg/normalize"
)

// LoadSurveyCSV reads a survey export into the canonical collection.
// Column headers are matched by the same aliases API rows use, so
// "lat"/"lon" exports and "latitude"/"longitude" exports both work.
// It returns the collection and the number of rows dropped for missing
// or unparsable coordinates.
func LoadSurveyCSV(path string) (*geojson.FeatureCollection, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return ReadSurveyCSV(f)
}

func ReadSurveyCSV(r io.Reader) (*geojson.FeatureCollection, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, 0, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []map[string]interface{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		m := make(map[string]interface{}, len(header))
		for i, h := range header {
			if h == "" || i >= len(rec) || rec[i] == "" {
				continue
			}
			m[h] = rec[i]
		}
		rows = append(rows, m)
	}

	fc := normalize.Rows(rows)
	return fc, len(rows) - len(fc.Features), nil
}
