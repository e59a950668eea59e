package reporting

import (
	"bufio"
	"fmt"
	"os"
	"strconv"

	"model-benchmark/internal/core/types"

	"github.com/olekukonko/tablewriter"
)

// lowerIsBetter lists the metrics where the smallest value wins.
var lowerIsBetter = map[string]bool{
	types.MetricMAE: true,
	types.MetricMSE: true,
}

func bestModel(results types.EvaluationResults, metric string) string {
	best := ""
	for _, name := range results.ModelNames() {
		v := results[name].Metrics[metric]
		if best == "" {
			best = name
			continue
		}
		current := results[best].Metrics[metric]
		if (lowerIsBetter[metric] && v < current) || (!lowerIsBetter[metric] && v > current) {
			best = name
		}
	}
	return best
}

func writeSummary(path string, taskType types.TaskType, results types.EvaluationResults) error {
	keys, err := types.MetricKeys(taskType)
	if err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	w := bufio.NewWriter(file)

	fmt.Fprintf(w, "# Model Comparison Report\n\n")
	fmt.Fprintf(w, "Task type: %s\n\n", taskType)
	fmt.Fprintf(w, "## Metrics\n\n")

	table := tablewriter.NewWriter(w)
	table.SetHeader(append([]string{"Model"}, keys...))
	table.SetAutoFormatHeaders(false)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	for _, name := range results.ModelNames() {
		row := []string{DisplayName(name)}
		for _, k := range keys {
			row = append(row, strconv.FormatFloat(results[name].Metrics[k], 'f', 4, 64))
		}
		table.Append(row)
	}
	table.Render()

	fmt.Fprintf(w, "\n## Best Model Per Metric\n\n")
	for _, k := range keys {
		best := bestModel(results, k)
		fmt.Fprintf(w, "- %s: %s (%.4f)\n", k, DisplayName(best), results[best].Metrics[k])
	}

	if taskType == types.Classification {
		var aucLines []string
		for _, name := range results.ModelNames() {
			if curve, ok := RocCurve(results[name]); ok {
				aucLines = append(aucLines, fmt.Sprintf("- %s: %.4f\n", DisplayName(name), curve.AUC))
			}
		}
		if len(aucLines) > 0 {
			fmt.Fprintf(w, "\n## ROC AUC\n\n")
			for _, line := range aucLines {
				fmt.Fprint(w, line)
			}
		}
	}

	if user, ok := results[types.UserModelName]; ok {
		fmt.Fprintf(w, "\n## User Model\n\n")
		for _, k := range keys {
			best := bestModel(results, k)
			fmt.Fprintf(w, "- %s: %.4f (best: %.4f)\n", k, user.Metrics[k], results[best].Metrics[k])
		}
	} else {
		fmt.Fprintf(w, "\nThe user model could not be evaluated and is not included.\n")
	}

	if err := w.Flush(); err != nil {
		return err
	}
	return file.Close()
}
