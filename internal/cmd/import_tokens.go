package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/tradeboard/tradeboard/internal/catalog"
	"github.com/tradeboard/tradeboard/internal/store"
)

func newImportTokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-tokens <file|url|->",
		Short: "Import a token list in the tokenlists.org format",
		Long: "Reads a token list from a file, an http(s) URL or stdin and upserts its chains and tokens.\n" +
			"The list's items are replaced with the tokens of the file, in file order.",
		Args: cobra.ExactArgs(1),
		RunE: runImportTokens,
	}
	cmd.Flags().String("slug", "", "token list slug (default: derived from the list name)")
	return cmd
}

func runImportTokens(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}

	data, err := readSource(cmd, args[0])
	if err != nil {
		return err
	}
	f, err := catalog.Parse(bytes.NewReader(data))
	if err != nil {
		return err
	}

	slug, _ := cmd.Flags().GetString("slug")
	if slug == "" {
		slug = slugify(f.Name)
	}

	db, err := store.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer func() { _ = db.Close() }()

	res, err := catalog.NewImporter(db, logger).Import(cmd.Context(), slug, f)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %d tokens into %q (%d skipped on unknown chains)\n",
		res.Imported, res.Slug, res.Skipped)
	return nil
}

func readSource(cmd *cobra.Command, src string) ([]byte, error) {
	switch {
	case src == "-":
		return io.ReadAll(cmd.InOrStdin())
	case strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://"):
		resp, err := resty.New().
			SetTimeout(30 * time.Second).
			SetRetryCount(2).
			R().
			SetContext(cmd.Context()).
			SetHeader("Accept", "application/json").
			Get(src)
		if err != nil {
			return nil, fmt.Errorf("fetch token list: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("fetch token list: %s", resp.Status())
		}
		return resp.Body(), nil
	default:
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("read token list: %w", err)
		}
		return data, nil
	}
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
}
