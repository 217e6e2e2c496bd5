package cli

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/TFMV/driftlake/config"
	"github.com/TFMV/driftlake/plan"
)

var sqlCmd = &cobra.Command{
	Use:   "sql [statement]",
	Short: "Execute a SQL statement locally",
	Long: `Execute a SQL statement directly against the configured catalog and
object store, without going through the HTTP frontend.

Examples:
  driftlake sql "CREATE TABLE sales (id BIGINT, amount DOUBLE)"
  driftlake sql "INSERT INTO sales VALUES (1, 9.99)"
  driftlake sql "SELECT * FROM sales('2024-01-01T00:00:00Z')"
  driftlake sql "SELECT * FROM system.table_versions"`,
	Args: cobra.ExactArgs(1),
	RunE: runSQL,
}

var sqlTiming bool

func init() {
	rootCmd.AddCommand(sqlCmd)
	sqlCmd.Flags().BoolVar(&sqlTiming, "timing", false, "show execution time")
}

func runSQL(cmd *cobra.Command, args []string) error {
	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		return err
	}

	st, err := openStack(cfg)
	if err != nil {
		return err
	}
	defer st.close()

	ctx := context.Background()
	stmt, err := plan.Parse(args[0])
	if err != nil {
		return err
	}

	if query, ok := stmt.(*plan.QueryStatement); ok {
		result, err := st.resolver.ExecuteQuery(ctx, query)
		if err != nil {
			return err
		}
		if err := renderRows(result.Columns, result.Rows); err != nil {
			return err
		}
		if sqlTiming {
			pterm.Info.Printf("%d rows in %v\n", result.RowCount, result.Duration)
		}
		return nil
	}

	result, err := st.mutation.Execute(ctx, stmt)
	if err != nil {
		return err
	}
	pterm.Success.Printf("%s.%s at version %d (%d rows affected)\n",
		result.Schema, result.Table, result.Version, result.RowsAffected)
	return nil
}

func renderRows(columns []string, rows [][]interface{}) error {
	if len(rows) == 0 {
		pterm.Info.Println("No rows")
		return nil
	}

	data := make([][]string, len(rows)+1)
	data[0] = columns
	for i, row := range rows {
		cells := make([]string, len(row))
		for j, cell := range row {
			if cell == nil {
				cells[j] = "NULL"
				continue
			}
			cells[j] = fmt.Sprintf("%v", cell)
		}
		data[i+1] = cells
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
