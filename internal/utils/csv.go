package utils

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"tradeEngine/internal/domain"
)

var tradeHeader = []string{
	"id", "pair", "direction", "status", "opened_at", "closed_at", "open_rate", "close_rate",
	"stake_amount", "leverage", "realized_profit", "fees", "exit_reason", "entry_tag", "orders",
}

// WriteTradesToCSV writes one row per trade to filename, replacing it.
func WriteTradesToCSV(trades []*domain.Trade, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filename, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(tradeHeader); err != nil {
		return err
	}
	for _, t := range trades {
		if err := writer.Write(tradeRow(t)); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func tradeRow(t *domain.Trade) []string {
	return []string{
		strconv.FormatInt(t.ID, 10),
		t.Pair,
		string(t.Direction),
		string(t.Status),
		formatTime(t.OpenedAt),
		formatTime(t.ClosedAt),
		formatFloat(t.OpenRate),
		formatFloat(t.CloseRate),
		formatFloat(t.StakeAmount),
		formatFloat(t.Leverage),
		formatFloat(t.RealizedProfit),
		formatFloat(t.FeesPaid),
		string(t.ExitReason),
		t.EntryTag,
		strconv.Itoa(len(t.Orders)),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
