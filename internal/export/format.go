package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Format selects the rendering of an export bundle.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatJSON Format = "json"
)

// ParseFormat validates a user-supplied format name; empty defaults to CSV.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatTSV, FormatJSON:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatTSV:
		return "text/tab-separated-values"
	default:
		return "text/csv"
	}
}

// Render serializes the bundle. For the tabular formats withHeader prefixes
// commented metadata lines carrying the phenotype and agreement summary;
// JSON always carries the full bundle and ignores the flag.
func Render(b Bundle, f Format, withHeader bool) ([]byte, error) {
	if f == FormatJSON {
		return json.MarshalIndent(b, "", "  ")
	}

	var buf bytes.Buffer
	if withHeader {
		writeHeader(&buf, b)
	}

	cw := csv.NewWriter(&buf)
	if f == FormatTSV {
		cw.Comma = '\t'
	}
	if err := cw.Write([]string{"system", "code", "description", "comment"}); err != nil {
		return nil, fmt.Errorf("write export header: %w", err)
	}
	for _, code := range b.Codes {
		if err := cw.Write([]string{code.System, code.Code, code.Description, code.Comment}); err != nil {
			return nil, fmt.Errorf("write export row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, fmt.Errorf("flush export: %w", err)
	}
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, b Bundle) {
	fmt.Fprintf(buf, "# Phenotype: %s\n", b.Phenotype.Name)
	if b.Phenotype.ProjectName != "" {
		fmt.Fprintf(buf, "# Project: %s\n", b.Phenotype.ProjectName)
	}
	fmt.Fprintf(buf, "# Generated: %s\n", b.GeneratedAt.Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(buf, "# Finalized: %s\n", strconv.FormatBool(b.Finalized))
	if len(b.Systems) > 0 {
		fmt.Fprintf(buf, "# Systems: %s\n", strings.Join(b.Systems, ", "))
	}
	fmt.Fprintf(buf, "# Codes: %d\n", len(b.Codes))
	fmt.Fprintf(buf, "# Raters: %d, mean agreement: %.3f, kappa: %.3f\n",
		b.Agreement.Raters, b.Agreement.MeanAgreement, b.Agreement.Kappa)
}
