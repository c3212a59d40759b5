package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/e2ee-key-custody/accountsession"
	"github.com/ruteri/e2ee-key-custody/adapter"
	"github.com/ruteri/e2ee-key-custody/api/escrowclient"
	"github.com/ruteri/e2ee-key-custody/cmd/flags"
	"github.com/ruteri/e2ee-key-custody/engine"
	"github.com/ruteri/e2ee-key-custody/interfaces"
	"github.com/ruteri/e2ee-key-custody/storage"
	"github.com/ruteri/e2ee-key-custody/wallet"
	"github.com/urfave/cli/v2"
)

var flagAccountData = &cli.StringFlag{
	Name:  "account-data",
	Usage: "storage URI of the engine's account data; defaults to a directory under --cache-dir",
}

var flagRooms = &cli.StringSliceFlag{
	Name:  "room",
	Usage: "establish a new session in this room before syncing, repeatable",
}

var sessionFlags = []cli.Flag{
	flags.AccountIDFlag,
	flags.CredentialFlag,
	flags.WalletKeyFlag,
	flags.WalletAddressFlag,
	flags.PasswordFlag,
	flags.BackendURLFlag,
	flags.CacheDirFlag,
	flagAccountData,
}

func main() {
	app := &cli.App{
		Name:           "keyclient",
		Usage:          "Recover, escrow and synchronize end-to-end encryption keys",
		DefaultCommand: "bootstrap",
		Flags:          append([]cli.Flag{flags.LogServiceFlagFn("keyclient")}, flags.LogFlags...),
		Commands: []*cli.Command{
			{
				Name:  "bootstrap",
				Usage: "log in, resolving or creating the recovery key, and run one sync cycle",
				Flags: sessionFlags,
				Action: func(cCtx *cli.Context) error {
					return withSession(cCtx, func(ctx context.Context, s *accountsession.Session, _ *engine.MemoryEngine) error {
						if err := s.Synchronizer().Recheck(ctx); err != nil {
							return err
						}
						return printJSON(s.Synchronizer().Stats())
					})
				},
			},
			{
				Name:  "recovery-key",
				Usage: "log in and print the encoded recovery key",
				Flags: sessionFlags,
				Action: func(cCtx *cli.Context) error {
					return withSession(cCtx, func(ctx context.Context, s *accountsession.Session, _ *engine.MemoryEngine) error {
						key, ok := s.Custodian().Key()
						if !ok {
							return errors.New("recovery key not resolved")
						}
						fmt.Println(key.Encoded)
						return nil
					})
				},
			},
			{
				Name:  "sync",
				Usage: "log in, establish sessions in the given rooms and upload them",
				Flags: append(sessionFlags, flagRooms),
				Action: func(cCtx *cli.Context) error {
					return withSession(cCtx, func(ctx context.Context, s *accountsession.Session, eng *engine.MemoryEngine) error {
						for _, room := range cCtx.StringSlice(flagRooms.Name) {
							if _, err := eng.EstablishSession(room); err != nil {
								return err
							}
						}
						if err := s.Synchronizer().Recheck(ctx); err != nil {
							return err
						}
						return printJSON(s.Synchronizer().Stats())
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func withSession(cCtx *cli.Context, fn func(context.Context, *accountsession.Session, *engine.MemoryEngine) error) error {
	logger := flags.SetupLogger(cCtx)

	ctx, cancel := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	account, adapters, err := setupAccount(cCtx, logger)
	if err != nil {
		return err
	}

	cacheDir := cCtx.String(flags.CacheDirFlag.Name)
	cacheStore, err := storage.NewFileBackend(filepath.Join(cacheDir, "keys"), logger)
	if err != nil {
		return err
	}

	accountDataURI := cCtx.String(flagAccountData.Name)
	if accountDataURI == "" {
		abs, err := filepath.Abs(filepath.Join(cacheDir, "accountdata"))
		if err != nil {
			return err
		}
		accountDataURI = "file://" + abs
	}
	accountData, err := storage.NewStorageBackendFactory(logger).FromURIs([]string{accountDataURI})
	if err != nil {
		return err
	}

	eng := engine.NewMemoryEngine(account.ID, accountData, logger)
	session, err := accountsession.New(accountsession.Config{
		Account:    account,
		Adapters:   adapters,
		CacheStore: cacheStore,
		Escrow:     escrowclient.New(cCtx.String(flags.BackendURLFlag.Name), account.ID),
		Engine:     eng,
		Log:        logger,
	})
	if err != nil {
		return err
	}
	defer session.Logout()

	outcome, err := session.Login(ctx)
	fmt.Fprintln(os.Stderr, "outcome:", outcome)
	if err != nil {
		return err
	}

	return fn(ctx, session, eng)
}

func setupAccount(cCtx *cli.Context, logger *slog.Logger) (interfaces.Account, adapter.Set, error) {
	kind, err := interfaces.ParseCredentialKind(cCtx.String(flags.CredentialFlag.Name))
	if err != nil {
		return interfaces.Account{}, nil, err
	}

	account := interfaces.Account{
		ID:         interfaces.AccountID(cCtx.String(flags.AccountIDFlag.Name)),
		Credential: kind,
	}

	switch kind {
	case interfaces.CredentialWallet:
		keyHex := strings.TrimPrefix(cCtx.String(flags.WalletKeyFlag.Name), "0x")
		if keyHex == "" {
			return interfaces.Account{}, nil, errors.New("--wallet-key is required for wallet credentials")
		}
		key, err := wallet.LoadKeyHex(keyHex)
		if err != nil {
			return interfaces.Account{}, nil, err
		}

		account.WalletAddress = wallet.Address(key)
		if addr := cCtx.String(flags.WalletAddressFlag.Name); addr != "" {
			if !common.IsHexAddress(addr) {
				return interfaces.Account{}, nil, fmt.Errorf("invalid wallet address %q", addr)
			}
			account.WalletAddress = common.HexToAddress(addr)
		}

		w := wallet.NewLocalWallet(approveOnTerminal, logger, key)
		return account, adapter.NewSet(adapter.NewWalletAdapter(w, logger)), nil

	default:
		password := cCtx.String(flags.PasswordFlag.Name)
		return account, adapter.NewSet(adapter.NewPasswordAdapter(passwordPrompt(password), logger)), nil
	}
}

// approveOnTerminal stands in for the wallet popup.
func approveOnTerminal(_ context.Context, op wallet.Operation, address common.Address) error {
	fmt.Fprintf(os.Stderr, "wallet %s requests %s, approve? [y/N] ", address.Hex(), op)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return err
	}
	if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
		return errors.New("declined")
	}
	return nil
}

func passwordPrompt(preset string) adapter.PasswordRequester {
	return func(req adapter.PasswordRequest, r *adapter.PasswordResolver) {
		if preset != "" {
			r.Supply(preset)
			return
		}

		prompt := "recovery password: "
		if req.Confirm {
			prompt = "choose a recovery password: "
		}
		fmt.Fprint(os.Stderr, prompt)

		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		password := strings.TrimRight(line, "\r\n")
		if err != nil || password == "" {
			r.Cancel()
			return
		}
		r.Supply(password)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
