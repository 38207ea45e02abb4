package survey

import (
	"encoding/csv"
	"io"
	"strconv"

	"survey-bot/internal/models"
)

// ExportRows flattens statistics into (question, answer or responder,
// count, percentage) rows. Single-choice questions give one row per option;
// free-text questions give a count row followed by one row per answer.
func ExportRows(stats models.PollStats) []models.ExportRow {
	var rows []models.ExportRow
	for _, q := range stats.Questions {
		if q.Kind == models.KindSingleChoice {
			for _, o := range q.Options {
				rows = append(rows, models.ExportRow{
					QuestionText:      q.Text,
					AnswerOrResponder: o.Text,
					Count:             o.Count,
					Percentage:        o.Percentage,
				})
			}
			continue
		}
		rows = append(rows, models.ExportRow{QuestionText: q.Text, AnswerOrResponder: "text answers", Count: q.Total})
		for _, a := range q.TextAnswers {
			rows = append(rows, models.ExportRow{
				QuestionText:      q.Text,
				AnswerOrResponder: a.Responder + ": " + a.Text,
				Count:             1,
			})
		}
	}
	return rows
}

func WriteCSV(w io.Writer, stats models.PollStats) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"question", "answer_or_responder", "count", "percentage"}); err != nil {
		return err
	}
	for _, row := range ExportRows(stats) {
		record := []string{
			row.QuestionText,
			row.AnswerOrResponder,
			strconv.Itoa(row.Count),
			strconv.FormatFloat(row.Percentage, 'f', 1, 64),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
