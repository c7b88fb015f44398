package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

//nolint:gochecknoglobals // cobra CLI flags require package-level variables
var hashCost int

//nolint:gochecknoglobals // cobra requires package-level command variable
var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password <username>",
	Short: "Print a bcrypt hash for a login user",
	Long: `Reads a password from stdin and prints an entry for auth.users.

The output line can be pasted under auth.users in config.yaml, or appended
to KOALA_AUTH_USERS as a "name:hash" item.`,
	Args: cobra.ExactArgs(1),
	RunE: runHashPassword,
}

//nolint:gochecknoinits // cobra requires init for flag registration
func init() {
	hashPasswordCmd.Flags().IntVar(&hashCost, "cost", bcrypt.DefaultCost, "bcrypt cost")
}

func runHashPassword(cmd *cobra.Command, args []string) error {
	user := strings.TrimSpace(args[0])
	if user == "" || strings.ContainsAny(user, ":,") {
		return errors.New("username must be non-empty and must not contain ':' or ','")
	}

	password, err := readPassword(cmd.InOrStdin())
	if err != nil {
		return err
	}

	hash, err := hashPassword(password, hashCost)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %q\n", user, hash)
	return err
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}

	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password")
	}
	return password, nil
}

func hashPassword(password string, cost int) (string, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
