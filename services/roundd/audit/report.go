package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

var reportHeader = []string{
	"round", "status", "currency", "total_shares", "shares_reserved", "shares_confirmed",
	"held_sum", "confirmed_sum", "released_after_close", "available",
	"pending_count", "confirmed_count", "anomalies",
}

func writeCSV(path string, rows []RoundRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(reportHeader); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(row.Round, 10),
			row.Status,
			row.Currency,
			row.TotalShares.StringFixed(4),
			row.SharesReserved.StringFixed(4),
			row.SharesConfirmed.StringFixed(4),
			row.HeldSum.StringFixed(4),
			row.ConfirmedSum.StringFixed(4),
			row.ReleasedAfterClose.StringFixed(4),
			row.Available.StringFixed(4),
			strconv.Itoa(row.PendingCount),
			strconv.Itoa(row.ConfirmedCount),
			strconv.Itoa(row.Anomalies),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

// Share counts are fixed-point strings.
type parquetRow struct {
	Round              int64  `parquet:"name=round, type=INT64"`
	Status             string `parquet:"name=status, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Currency           string `parquet:"name=currency, type=UTF8, encoding=PLAIN_DICTIONARY"`
	TotalShares        string `parquet:"name=total_shares, type=UTF8"`
	SharesReserved     string `parquet:"name=shares_reserved, type=UTF8"`
	SharesConfirmed    string `parquet:"name=shares_confirmed, type=UTF8"`
	HeldSum            string `parquet:"name=held_sum, type=UTF8"`
	ConfirmedSum       string `parquet:"name=confirmed_sum, type=UTF8"`
	ReleasedAfterClose string `parquet:"name=released_after_close, type=UTF8"`
	Available          string `parquet:"name=available, type=UTF8"`
	PendingCount       int32  `parquet:"name=pending_count, type=INT32"`
	ConfirmedCount     int32  `parquet:"name=confirmed_count, type=INT32"`
	Anomalies          int32  `parquet:"name=anomalies, type=INT32"`
}

func writeParquet(path string, rows []RoundRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			Round:              int64(row.Round),
			Status:             row.Status,
			Currency:           row.Currency,
			TotalShares:        row.TotalShares.StringFixed(4),
			SharesReserved:     row.SharesReserved.StringFixed(4),
			SharesConfirmed:    row.SharesConfirmed.StringFixed(4),
			HeldSum:            row.HeldSum.StringFixed(4),
			ConfirmedSum:       row.ConfirmedSum.StringFixed(4),
			ReleasedAfterClose: row.ReleasedAfterClose.StringFixed(4),
			Available:          row.Available.StringFixed(4),
			PendingCount:       int32(row.PendingCount),
			ConfirmedCount:     int32(row.ConfirmedCount),
			Anomalies:          int32(row.Anomalies),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}
