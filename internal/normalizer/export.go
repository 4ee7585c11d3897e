package normalizer

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/tears-mysthrala/Oroitz/internal/types"
)

// Format identifies an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatCSV:
		return Format(s), nil
	default:
		return "", types.NewError(types.EXPORT_FORMAT_UNKNOWN, fmt.Sprintf("unknown export format %q", s))
	}
}

// exportEnvelope is the JSON export shape. It round-trips through Import
// without loss.
type exportEnvelope struct {
	Records []Record `json:"records"`
}

// Export encodes records in the given format. JSON keeps the full nested
// record shape; CSV flattens fields into columns using the schema's
// canonical order, so the same records always export byte-identically.
func (n *Normalizer) Export(records []Record, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return exportJSON(records)
	case FormatCSV:
		return n.exportCSV(records)
	default:
		return nil, types.NewError(types.EXPORT_FORMAT_UNKNOWN, fmt.Sprintf("unknown export format %q", format))
	}
}

// Import decodes a JSON export back into records.
func Import(data []byte) ([]Record, error) {
	var envelope exportEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, types.WrapError(types.NORMALIZE_PARSE_FAILED, "cannot decode exported records", err)
	}
	// Restore integer typing lost to JSON's single number type, so imported
	// records compare equal to the originals.
	for _, record := range envelope.Records {
		for name, value := range record.Fields {
			record.Fields[name] = normalizeValue(value)
		}
	}
	return envelope.Records, nil
}

// ImportCSV decodes a CSV export back into records. Cell typing is
// recovered from the schema's declared property types; columns the schema
// does not declare are inferred from the cell contents. An empty cell means
// the field was absent.
func (n *Normalizer) ImportCSV(data []byte) ([]Record, error) {
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, types.WrapError(types.NORMALIZE_PARSE_FAILED, "cannot decode exported CSV", err)
	}
	if len(rows) == 0 {
		return nil, types.NewError(types.NORMALIZE_PARSE_FAILED, "CSV export has no header row")
	}

	header := rows[0]
	if len(header) < 2 || header[0] != "schema" || header[1] != "source_step" {
		return nil, types.NewError(types.NORMALIZE_PARSE_FAILED,
			"CSV export header must start with the schema and source_step columns")
	}
	columns := header[2:]

	var records []Record
	for _, row := range rows[1:] {
		record := Record{
			SchemaID:   row[0],
			SourceStep: row[1],
			Fields:     make(map[string]any, len(columns)),
		}
		for i, col := range columns {
			cell := row[i+2]
			if cell == "" {
				continue
			}
			record.Fields[col] = n.cellValue(record.SchemaID, col, cell)
		}
		records = append(records, record)
	}
	return records, nil
}

// cellValue recovers one typed field value from a CSV cell.
func (n *Normalizer) cellValue(schemaID, column, cell string) any {
	kind, ok := n.registry.fieldType(schemaID, column)
	if !ok {
		return inferCell(cell)
	}

	switch kind {
	case "integer":
		if v, err := strconv.Atoi(cell); err == nil {
			return v
		}
	case "number":
		if v, err := strconv.ParseFloat(cell, 64); err == nil {
			return normalizeValue(v)
		}
	case "boolean":
		if v, err := strconv.ParseBool(cell); err == nil {
			return v
		}
	}
	return cell
}

// inferCell types a cell with no schema declaration: bool, then integer,
// then float, then JSON for the non-scalar encodings csvCell emits. Plain
// text stays a string.
func inferCell(cell string) any {
	switch cell {
	case "true":
		return true
	case "false":
		return false
	}
	if v, err := strconv.Atoi(cell); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(cell, 64); err == nil {
		return v
	}
	if cell[0] == '{' || cell[0] == '[' {
		var v any
		if err := json.Unmarshal([]byte(cell), &v); err == nil {
			return v
		}
	}
	return cell
}

func exportJSON(records []Record) ([]byte, error) {
	data, err := json.MarshalIndent(exportEnvelope{Records: records}, "", "  ")
	if err != nil {
		return nil, types.WrapError(types.NORMALIZE_PARSE_FAILED, "cannot encode records as JSON", err)
	}
	return append(data, '\n'), nil
}

// exportCSV flattens records into rows. Columns are the union of all field
// names, ordered by the first record's schema canonical order with any
// extras sorted alphabetically after it. A schema and source_step column
// lead every row so mixed-schema exports stay attributable.
func (n *Normalizer) exportCSV(records []Record) ([]byte, error) {
	columns := n.csvColumns(records)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := append([]string{"schema", "source_step"}, columns...)
	if err := w.Write(header); err != nil {
		return nil, types.WrapError(types.NORMALIZE_PARSE_FAILED, "cannot write CSV header", err)
	}

	for _, record := range records {
		row := make([]string, 0, len(header))
		row = append(row, record.SchemaID, record.SourceStep)
		for _, col := range columns {
			row = append(row, csvCell(record.Fields[col]))
		}
		if err := w.Write(row); err != nil {
			return nil, types.WrapError(types.NORMALIZE_PARSE_FAILED, "cannot write CSV row", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, types.WrapError(types.NORMALIZE_PARSE_FAILED, "cannot flush CSV output", err)
	}
	return buf.Bytes(), nil
}

// csvColumns computes the deterministic column set for a record slice.
func (n *Normalizer) csvColumns(records []Record) []string {
	seen := make(map[string]bool)
	for _, record := range records {
		for name := range record.Fields {
			seen[name] = true
		}
	}

	var ordered []string
	if len(records) > 0 {
		for _, name := range n.registry.FieldOrder(records[0].SchemaID) {
			if seen[name] {
				ordered = append(ordered, name)
				delete(seen, name)
			}
		}
	}

	extras := make([]string, 0, len(seen))
	for name := range seen {
		extras = append(extras, name)
	}
	sort.Strings(extras)

	return append(ordered, extras...)
}

// csvCell renders one field value. Nil becomes the empty string;
// non-scalar values fall back to their JSON encoding.
func csvCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}
