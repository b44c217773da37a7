// Command pagestore is a small operational CLI over the pagestore
// pager core: enough to bootstrap a data file, inspect it, and
// allocate/free/read pages by hand while developing higher layers.
package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/decoi-io/pagestore/internal/pagestore"
)

var log = logrus.New()

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	sessionID := uuid.New().String()
	log.WithField("session", sessionID).Debug("pagestore cli starting")

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "init":
		err = runInit(args)
	case "stat":
		err = runStat(args)
	case "alloc":
		err = runAlloc(args)
	case "free":
		err = runFree(args)
	case "get":
		err = runGet(args)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: pagestore <init|stat|alloc|free|get> <file> [flags]")
}

// loadConfig merges an optional YAML config file (--config) with
// command-line flags, command-line flags winning on conflict.
func loadConfig(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if cfgPath, _ := fs.GetString("config"); cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	return v, nil
}

func runInit(args []string) error {
	fs := pflag.NewFlagSet("init", pflag.ExitOnError)
	config := fs.String("config", "", "optional YAML config file")
	fs.Int64("initial-size", pagestore.DefaultInitialSize, "initial file size in bytes")
	fs.Uint64("pages-per-section", pagestore.DefaultPagesPerMetadataSection, "pages_per_metadata_section")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_ = config
	if fs.NArg() < 1 {
		return fmt.Errorf("init: missing <file>")
	}
	v, err := loadConfig(fs)
	if err != nil {
		return err
	}

	db, err := pagestore.Open(fs.Arg(0), pagestore.Options{
		InitialSize:             v.GetInt64("initial-size"),
		PagesPerMetadataSection: v.GetUint64("pages-per-section"),
	})
	if err != nil {
		return err
	}
	defer db.Close()

	log.WithFields(logrus.Fields{
		"path":               db.Path(),
		"number_of_pages":    db.NumberOfPages(),
		"pages_per_section":  db.PagesPerMetadataSection(),
		"initial_size_bytes": v.GetInt64("initial-size"),
	}).Info("initialized data file")
	return nil
}

// statReport is the shape stat --format=yaml emits; field order here
// is what controls yaml.v3's output order.
type statReport struct {
	Path                    string `yaml:"path"`
	NumberOfPages           uint64 `yaml:"number_of_pages"`
	PagesPerMetadataSection uint64 `yaml:"pages_per_metadata_section"`
	Inconsistent            bool   `yaml:"inconsistent"`
}

func runStat(args []string) error {
	fs := pflag.NewFlagSet("stat", pflag.ExitOnError)
	format := fs.String("format", "text", "output format: text or yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("stat: missing <file>")
	}

	db, err := pagestore.Open(fs.Arg(0), pagestore.Options{})
	if err != nil {
		return err
	}
	defer db.Close()

	report := statReport{
		Path:                    db.Path(),
		NumberOfPages:           db.NumberOfPages(),
		PagesPerMetadataSection: db.PagesPerMetadataSection(),
		Inconsistent:            db.Inconsistent(),
	}

	switch *format {
	case "yaml":
		out, err := yaml.Marshal(report)
		if err != nil {
			return fmt.Errorf("marshal stat report: %w", err)
		}
		fmt.Print(string(out))
	default:
		fmt.Printf("path: %s\n", report.Path)
		fmt.Printf("number_of_pages: %d\n", report.NumberOfPages)
		fmt.Printf("pages_per_metadata_section: %d\n", report.PagesPerMetadataSection)
		fmt.Printf("inconsistent: %v\n", report.Inconsistent)
	}
	return nil
}

func runAlloc(args []string) error {
	fs := pflag.NewFlagSet("alloc", pflag.ExitOnError)
	size := fs.Uint32("size", 1, "overflow size in bytes")
	near := fs.Uint64("near", 0, "locality hint page number")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("alloc: missing <file>")
	}

	db, err := pagestore.Open(fs.Arg(0), pagestore.Options{})
	if err != nil {
		return err
	}
	defer db.Close()

	txn, err := db.CreateTransaction(true)
	if err != nil {
		return err
	}
	defer txn.Close()

	page, err := txn.AllocatePage(*size, *near)
	if err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{"page": page.PageNum, "overflow_size": page.OverflowSize}).Info("allocated")
	fmt.Println(page.PageNum)
	return nil
}

func runFree(args []string) error {
	fs := pflag.NewFlagSet("free", pflag.ExitOnError)
	page := fs.Uint64("page", 0, "page number to free")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("free: missing <file>")
	}

	db, err := pagestore.Open(fs.Arg(0), pagestore.Options{})
	if err != nil {
		return err
	}
	defer db.Close()

	txn, err := db.CreateTransaction(true)
	if err != nil {
		return err
	}
	defer txn.Close()

	if err := txn.FreePage(*page); err != nil {
		return err
	}
	return txn.Commit()
}

func runGet(args []string) error {
	fs := pflag.NewFlagSet("get", pflag.ExitOnError)
	page := fs.Uint64("page", 0, "page number to read")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("get: missing <file>")
	}

	db, err := pagestore.Open(fs.Arg(0), pagestore.Options{})
	if err != nil {
		return err
	}
	defer db.Close()

	txn, err := db.CreateTransaction(false)
	if err != nil {
		return err
	}
	defer txn.Close()

	p, err := txn.GetPage(*page)
	if err != nil {
		return err
	}
	fmt.Printf("page %d: overflow_size=%d bytes=%d\n", p.PageNum, p.OverflowSize, len(p.Address))
	return nil
}
