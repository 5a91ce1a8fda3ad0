package corphylo

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// LoadCSVMatrix loads a numeric CSV file with a header row into a matrix.
// The header is returned as the column names.
func LoadCSVMatrix(path string) (*mat.Dense, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) == 0 {
		return nil, nil, fmt.Errorf("empty header in %s: %w", path, ErrEmptyInput)
	}
	K := len(header)

	var (
		data []float64
		row  int
	)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read row %d: %w", row+2, err) // +2 for header + 1-based
		}
		if len(record) == 1 && record[0] == "" {
			continue
		}
		if len(record) != K {
			return nil, nil, fmt.Errorf("row %d: expected %d columns, got %d: %w",
				row+2, K, len(record), ErrDimensionMismatch)
		}

		for j, s := range record {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("parse float at row %d col %d (%q): %w", row+2, j+1, s, err)
			}
			data = append(data, v)
		}
		row++
	}

	if row == 0 {
		return nil, nil, fmt.Errorf("no data rows in %s: %w", path, ErrEmptyInput)
	}
	return mat.NewDense(row, K, data), header, nil
}

// PrintResult writes a human readable summary of res to w.
func PrintResult(w io.Writer, res *Result) {
	if res == nil {
		fmt.Fprintln(w, "result is nil")
		return
	}
	fmt.Fprintln(w, "         Phylogenetic Correlation Summary      ")
	fmt.Fprintf(w, "Run ID:              %s\n", res.RunID)
	fmt.Fprintf(w, "logLik:              %.4f\n", res.LogLik)
	fmt.Fprintf(w, "AIC:                 %.4f\n", res.AIC)
	fmt.Fprintf(w, "BIC:                 %.4f\n", res.BIC)
	fmt.Fprintf(w, "Evaluations:         %d\n", res.Iterations)
	fmt.Fprintf(w, "Convergence code:    %d\n", res.ConvCode)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Correlation matrix:")
	fmt.Fprintf(w, "%v\n\n", mat.Formatted(res.Corrs, mat.Prefix("  ")))

	fmt.Fprintln(w, "Phylogenetic signal d:")
	for i, d := range res.D {
		fmt.Fprintf(w, "  trait %d: %.6f\n", i, d)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%-24s%14s%14s%12s%12s\n", "Coefficient", "Estimate", "SE", "Z", "P")
	for _, c := range res.B {
		fmt.Fprintf(w, "%-24s%14.6f%14.6f%12.4f%12.4g\n", c.Name, c.Estimate, c.SE, c.Z, c.P)
	}

	if br := res.Bootstrap; br != nil {
		ci := br.CI(0.05)
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Bootstrap: %d replicates, %d failed", len(br.Completed), len(br.Failed()))
		if br.Cancelled {
			fmt.Fprint(w, " (cancelled)")
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Correlation intervals at alpha 0.05 (lower, upper):")
		fmt.Fprintf(w, "%v\n", mat.Formatted(ci.Corrs.Lower, mat.Prefix("  ")))
		fmt.Fprintf(w, "%v\n", mat.Formatted(ci.Corrs.Upper, mat.Prefix("  ")))
	}
	fmt.Fprintln(w, "=======================================")
}

// OutputResultToCSV writes the coefficient table of res, followed by one row
// per trait with its signal strength.
// Columns: Term, Estimate, SE, Z, P
func OutputResultToCSV(path string, res *Result) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Term", "Estimate", "SE", "Z", "P"}); err != nil {
		return err
	}
	for _, c := range res.B {
		record := []string{
			c.Name,
			formatFloat(c.Estimate),
			formatFloat(c.SE),
			formatFloat(c.Z),
			formatFloat(c.P),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	for i, d := range res.D {
		record := []string{fmt.Sprintf("d_%d", i), formatFloat(d), "", "", ""}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// OutputBootstrapToCSV writes one row per completed replicate: its index,
// convergence code, the upper triangle of its correlation matrix, its signal
// strengths and its coefficients.
func OutputBootstrapToCSV(path string, br *BootstrapResult) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	p, _ := br.D.Dims()
	k, _ := br.B0.Dims()

	header := []string{"Replicate", "ConvCode"}
	for i := 0; i < p; i++ {
		for j := i + 1; j < p; j++ {
			header = append(header, fmt.Sprintf("corr_%d_%d", i, j))
		}
	}
	for i := 0; i < p; i++ {
		header = append(header, fmt.Sprintf("d_%d", i))
	}
	for c := 0; c < k; c++ {
		header = append(header, fmt.Sprintf("B0_%d", c))
	}

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return err
	}
	for b, done := range br.Completed {
		if !done {
			continue
		}
		record := []string{strconv.Itoa(b), strconv.Itoa(br.Codes[b])}
		for i := 0; i < p; i++ {
			for j := i + 1; j < p; j++ {
				record = append(record, formatFloat(br.Corrs[b].At(i, j)))
			}
		}
		for i := 0; i < p; i++ {
			record = append(record, formatFloat(br.D.At(i, b)))
		}
		for c := 0; c < k; c++ {
			record = append(record, formatFloat(br.B0.At(c, b)))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
