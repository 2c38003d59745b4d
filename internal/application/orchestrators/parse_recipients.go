package orchestrators

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	domain "newsletter/internal/domain/newsletter"
)

// Required CSV header names. Matched case-sensitively after trimming.
const (
	ColumnName  = "Name"
	ColumnEmail = "Email"
)

// ParseRecipientsInput carries the uploaded CSV stream.
type ParseRecipientsInput struct {
	Reader io.Reader
}

// ParseRecipientsResult holds the parsed recipients and any ignored columns.
type ParseRecipientsResult struct {
	Recipients []domain.Recipient
	Total      int
	Unknown    []string
}

// ExecuteParseRecipients turns a CSV upload into recipient records.
// PRE: Reader holds a CSV whose first row is the header
// POST: One Recipient per non-blank data row, in file order, with Name and Email
//
//	copied verbatim; short rows yield empty cells. A missing header column
//	or unreadable CSV is a validation error.
func ExecuteParseRecipients(ctx context.Context, input ParseRecipientsInput) (ParseRecipientsResult, error) {
	cr := csv.NewReader(input.Reader)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return ParseRecipientsResult{}, domain.NewValidationError("CSV file is empty")
	}
	if err != nil {
		return ParseRecipientsResult{}, &domain.Error{Kind: domain.KindValidation, Message: "CSV could not be parsed", Err: err}
	}

	colIdx := make(map[string]int, len(header))
	var unknown []string
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		h = strings.TrimSpace(h)
		if _, dup := colIdx[h]; dup {
			continue
		}
		colIdx[h] = i
		if h != ColumnName && h != ColumnEmail && h != "" {
			unknown = append(unknown, h)
		}
	}

	nameIdx, ok := colIdx[ColumnName]
	if !ok {
		return ParseRecipientsResult{}, domain.NewValidationError("CSV missing required column: " + ColumnName)
	}
	emailIdx, ok := colIdx[ColumnEmail]
	if !ok {
		return ParseRecipientsResult{}, domain.NewValidationError("CSV missing required column: " + ColumnEmail)
	}

	var recipients []domain.Recipient
	for {
		if err := ctx.Err(); err != nil {
			return ParseRecipientsResult{}, err
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ParseRecipientsResult{}, &domain.Error{
				Kind:    domain.KindValidation,
				Message: fmt.Sprintf("CSV could not be parsed at row %d", len(recipients)+2),
				Err:     err,
			}
		}
		recipients = append(recipients, domain.Recipient{
			Name:  cell(rec, nameIdx),
			Email: cell(rec, emailIdx),
		})
	}

	return ParseRecipientsResult{
		Recipients: recipients,
		Total:      len(recipients),
		Unknown:    unknown,
	}, nil
}

func cell(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}
