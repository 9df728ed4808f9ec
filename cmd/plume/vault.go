package main

import (
	"fmt"
	"os"

	"github.com/plumehq/plume/internal/config"
	"github.com/plumehq/plume/internal/store"
	"github.com/plumehq/plume/internal/vault"
)

// runVault manages sealed model API keys from the command line, so keys can
// be provisioned before the gateway ever starts.
func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("PLUME_VAULT_PASSPHRASE environment variable is required")
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	keyring := vault.NewKeyring(vault.New(cfg.Vault.Passphrase), db)

	switch args[0] {
	case "list":
		return vaultList(keyring)
	case "set":
		return vaultSet(keyring, args[1:])
	case "get":
		return vaultGet(keyring, args[1:])
	case "delete":
		return vaultDelete(keyring, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: plume vault <command>

Commands:
  list                 List stored key names
  set <name> <value>   Seal and store a key
  get <name>           Decrypt and print a key
  delete <name>        Delete a key

Environment:
  PLUME_VAULT_PASSPHRASE   Required. Encryption passphrase.
`)
}

func vaultList(keyring *vault.Keyring) error {
	names, err := keyring.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No keys stored.")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func vaultSet(keyring *vault.Keyring, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: plume vault set <name> <value>")
	}
	if err := keyring.Put(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Key %q saved\n", args[0])
	return nil
}

func vaultGet(keyring *vault.Keyring, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: plume vault get <name>")
	}
	value, err := keyring.Get(args[0])
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("key %q not found", args[0])
	}
	fmt.Println(value)
	return nil
}

func vaultDelete(keyring *vault.Keyring, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: plume vault delete <name>")
	}
	if err := keyring.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Key %q deleted\n", args[0])
	return nil
}
