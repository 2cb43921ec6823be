// Package mapping guesses column roles for a freshly uploaded dataset.
//
// Detection is heuristic and advisory: it never errors, and an empty date
// or target column in the result means detection failed for that role and
// the user has to map it by hand.
package mapping

import (
	"strings"
	"unicode"

	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/tabular"
)

// parseThreshold is the minimum fraction of rows that must parse as the
// candidate type before a column is assigned a role.
const parseThreshold = 0.8

var dateKeywords = []string{"date", "week", "month", "day", "period", "time", "dt"}

var targetKeywords = []string{
	"revenue", "sales", "conversions", "kpi", "target", "income",
	"orders", "transactions", "gmv", "bookings",
}

var mediaSpendKeywords = []string{
	"spend", "cost", "budget", "investment", "ad_spend", "adspend",
	"media_cost", "paid",
}

var mediaVolumeKeywords = []string{
	"impressions", "impr", "clicks", "grp", "reach", "views",
	"sessions", "visits",
}

var controlKeywords = []string{
	"temperature", "temp", "weather", "holiday", "season", "promo",
	"promotion", "competitor", "event", "price", "discount", "index",
}

// channelNameNoise lists the tokens stripped out of a media column name
// before the remainder is title-cased into a display name.
var channelNameNoise = []string{
	"spend", "cost", "budget", "impressions", "impr",
	"clicks", "grp", "investment", "ad_spend", "adspend",
	"media_cost", "paid", "reach", "views", "sessions", "visits",
}

// Detect runs four ordered passes over the table's columns (date, target,
// media, control), each pass consuming its matches so no column is given
// two roles. Unmatched columns are left out of the mapping entirely.
func Detect(tbl *tabular.Table) model.ColumnMapping {
	m := model.ColumnMapping{
		MediaColumns:   map[string]model.MediaColumnConfig{},
		ControlColumns: []string{},
	}
	used := map[string]bool{}
	cols := tbl.Columns()

	// Pass 1: date column by keyword, then by parseability alone.
	for _, col := range cols {
		if matchesAny(col, dateKeywords) && tbl.TimeRatio(col) >= parseThreshold {
			m.DateColumn = col
			used[col] = true
			break
		}
	}
	if m.DateColumn == "" {
		for _, col := range cols {
			if used[col] {
				continue
			}
			if tbl.TimeRatio(col) >= parseThreshold {
				m.DateColumn = col
				used[col] = true
				break
			}
		}
	}

	// Pass 2: target column.
	for _, col := range cols {
		if used[col] {
			continue
		}
		if matchesAny(col, targetKeywords) && tbl.NumericRatio(col) >= parseThreshold {
			m.TargetColumn = col
			used[col] = true
			break
		}
	}

	// Pass 3: media spend and volume columns.
	for _, col := range cols {
		if used[col] {
			continue
		}
		isSpend := matchesAny(col, mediaSpendKeywords)
		isVolume := matchesAny(col, mediaVolumeKeywords)
		if !isSpend && !isVolume {
			continue
		}
		if tbl.NumericRatio(col) < parseThreshold {
			continue
		}
		spendType := model.SpendTypeSpend
		if !isSpend {
			spendType = volumeType(col)
		}
		m.MediaColumns[col] = model.MediaColumnConfig{
			ChannelName: channelName(col),
			SpendType:   spendType,
		}
		used[col] = true
	}

	// Pass 4: control columns, in file order.
	for _, col := range cols {
		if used[col] {
			continue
		}
		if matchesAny(col, controlKeywords) && tbl.NumericRatio(col) >= parseThreshold {
			m.ControlColumns = append(m.ControlColumns, col)
			used[col] = true
		}
	}

	return m
}

func matchesAny(col string, keywords []string) bool {
	lower := strings.ToLower(strings.TrimSpace(col))
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// channelName derives a display name from a media column name: separators
// become spaces, metric tokens are stripped, the remainder is title-cased.
// Falls back to the raw column name when nothing is left.
func channelName(col string) string {
	name := strings.ToLower(col)
	for _, sep := range []string{"_", ".", "-"} {
		name = strings.ReplaceAll(name, sep, " ")
	}
	for _, word := range channelNameNoise {
		name = strings.ReplaceAll(name, word, " ")
	}
	name = titleCase(strings.Join(strings.Fields(name), " "))
	if name == "" {
		return col
	}
	return name
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}

// volumeType infers what a volume column measures from its name.
func volumeType(col string) model.SpendType {
	lower := strings.ToLower(col)
	switch {
	case strings.Contains(lower, "impr"):
		return model.SpendTypeImpressions
	case strings.Contains(lower, "click"):
		return model.SpendTypeClicks
	case strings.Contains(lower, "grp"):
		return model.SpendTypeGRP
	case strings.Contains(lower, "reach"):
		return model.SpendTypeReach
	case strings.Contains(lower, "view"):
		return model.SpendTypeViews
	}
	return model.SpendTypeVolume
}
