// cmd/consentflow-migrate/main.go
package main

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "consentflow-migrate"}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		m := newMigrator(cmd)
		steps, _ := cmd.Flags().GetInt("steps")
		var err error
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
		if err != nil && err != migrate.ErrNoChange {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back applied database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		m := newMigrator(cmd)
		all, _ := cmd.Flags().GetBool("all")
		steps, _ := cmd.Flags().GetInt("steps")
		var err error
		if all {
			err = m.Down()
		} else {
			err = m.Steps(-steps)
		}
		if err != nil && err != migrate.ErrNoChange {
			fmt.Printf("Failed to roll back migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations rolled back successfully")
	},
}

func newMigrator(cmd *cobra.Command) *migrate.Migrate {
	// Load .env if present
	if err := godotenv.Load(); err != nil {
		fmt.Printf("No .env file found or failed to load: %v. Using --db flag.\n", err)
	}

	connStr, _ := cmd.Flags().GetString("db")
	if connStr == "" {
		// Fallback to constructing from env vars if --db not provided
		dbUsername := os.Getenv("DB_USERNAME")
		dbPassword := os.Getenv("DB_PASSWORD")
		dbHost := os.Getenv("DB_HOST")
		dbPort := os.Getenv("DB_PORT")
		dbName := os.Getenv("DB_NAME")
		if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
			fmt.Println("Error: --db flag or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
			os.Exit(1)
		}
		connStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
			dbUsername, dbPassword, dbHost, dbPort, dbName)
	}

	m, err := migrate.New("file://migrations", connStr)
	if err != nil {
		fmt.Printf("Failed to initialize migrations: %v\n", err)
		os.Exit(1)
	}
	return m
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	migrateCmd.Flags().Int("steps", 0, "Apply at most this many pending migrations (0 applies all)")
	rollbackCmd.Flags().Int("steps", 1, "Number of applied migrations to roll back")
	rollbackCmd.Flags().Bool("all", false, "Roll back every applied migration")
	rootCmd.AddCommand(migrateCmd, rollbackCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
