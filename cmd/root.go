package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"
	"golang.org/x/exp/slog"

	"github.com/A-new/reopt/pkg/config"
	"github.com/A-new/reopt/pkg/elf"
	"github.com/A-new/reopt/pkg/linker"
	"github.com/A-new/reopt/pkg/log"
)

func Execute(ctx context.Context) error {
	return RootCmd().ExecuteContext(ctx)
}

func RootCmd() *cobra.Command {
	opts := struct {
		Profile bool
		Debug   bool
	}{
		false,
		env.Bool("REOPT_DEBUG"),
	}

	rootCmd := &cobra.Command{
		Use:   "reopt",
		Short: "Reopt is an ELF relinker for x86-64",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Debug {
				slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
					AddSource: false,
					Level:     slog.LevelDebug,
				})))
			}

			if opts.Profile {
				file, err := os.Create("cpu.pprof")
				if err != nil {
					return err
				}

				pprof.StartCPUProfile(file)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Profile {
				pprof.StopCPUProfile()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&opts.Profile, "profile", "p", false, "enable profiling")
	rootCmd.PersistentFlags().BoolVarP(&opts.Debug, "debug", "d", opts.Debug, "enable debugging")

	rootCmd.AddCommand(mergeCmd())
	rootCmd.AddCommand(inspectCmd())

	return rootCmd
}

func mergeCmd() *cobra.Command {
	opts := struct {
		Output string
		Config string
		Seed   int64
	}{}

	mergeCmd := &cobra.Command{
		Use:   "merge BINARY OBJECT",
		Short: "Merge a relocatable object into a static executable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed := opts.Seed
			var redirections []linker.CodeRedirection
			if opts.Config != "" {
				mergeConfig, err := config.Load(opts.Config)
				if err != nil {
					return err
				}

				for _, redirection := range mergeConfig.Redirections {
					redirections = append(redirections, linker.CodeRedirection{
						SegmentIndex: redirection.Segment,
						FileOffset:   redirection.Offset,
						TargetSymbol: redirection.Target,
					})
				}

				if !cmd.Flags().Changed("seed") {
					seed = mergeConfig.Seed
				}
			}

			binary, err := elf.New(args[0])
			if err != nil {
				return err
			}
			defer binary.Close()

			object, err := elf.New(args[1])
			if err != nil {
				return err
			}
			defer object.Close()

			log.Infof("merging %s (%s) into %s (%s)",
				object.Filename, humanize.Bytes(uint64(len(object.Data))),
				binary.Filename, humanize.Bytes(uint64(len(binary.Data))))

			merged, err := linker.MergeObject(binary, object, redirections, seed)
			if err != nil {
				return err
			}

			log.Infof("writing %s, %s, content hash %#x",
				opts.Output, humanize.Bytes(uint64(len(merged))), xxhash.Sum64(merged))

			return os.WriteFile(opts.Output, merged, 0755)
		},
	}

	mergeCmd.Flags().StringVarP(&opts.Output, "output", "o", "a.out", "output file")
	mergeCmd.Flags().StringVarP(&opts.Config, "config", "c", "", "redirections config file")
	mergeCmd.Flags().Int64Var(&opts.Seed, "seed", env.Int64("REOPT_SEED", 0), "address allocator seed")

	return mergeCmd
}

func inspectCmd() *cobra.Command {
	inspectCmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Print the header, segment and section tables of an ELF file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := elf.New(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			header := tablewriter.NewWriter(os.Stdout)
			header.SetHeader([]string{"Field", "Value"})
			header.Append([]string{"Type", fmt.Sprintf("%#x", file.Header.Type)})
			header.Append([]string{"Machine", fmt.Sprintf("%#x", file.Header.Machine)})
			header.Append([]string{"Entry", fmt.Sprintf("%#x", file.Header.Entry)})
			header.Append([]string{"Program headers", fmt.Sprintf("%d", file.Header.PhNum)})
			header.Append([]string{"Section headers", fmt.Sprintf("%d", file.Header.ShNum)})
			header.Render()

			segments := tablewriter.NewWriter(os.Stdout)
			segments.SetHeader([]string{"Index", "Type", "Flags", "Offset", "Vaddr", "FileSz", "MemSz", "Align"})
			for i, phdr := range file.PhdrEntries {
				segments.Append([]string{
					fmt.Sprintf("%d", i),
					phdrTypeString(phdr.Type),
					phdrFlagsString(phdr.Flags),
					fmt.Sprintf("%#x", phdr.Offset),
					fmt.Sprintf("%#x", phdr.Vaddr),
					fmt.Sprintf("%#x", phdr.FileSz),
					fmt.Sprintf("%#x", phdr.MemSz),
					fmt.Sprintf("%#x", phdr.Align),
				})
			}
			segments.Render()

			sections := tablewriter.NewWriter(os.Stdout)
			sections.SetHeader([]string{"Index", "Name", "Type", "Addr", "Offset", "Size"})
			for _, section := range file.Sections {
				sections.Append([]string{
					fmt.Sprintf("%d", section.Index),
					section.Name,
					shdrTypeString(section.Hdr.ShType),
					fmt.Sprintf("%#x", section.Hdr.ShAddr),
					fmt.Sprintf("%#x", section.Hdr.ShOff),
					fmt.Sprintf("%#x", section.Hdr.ShSize),
				})
			}
			sections.Render()

			return nil
		},
	}

	return inspectCmd
}

func phdrTypeString(phdrType uint32) string {
	switch phdrType {
	case elf.PT_NULL:
		return "NULL"
	case elf.PT_LOAD:
		return "LOAD"
	case elf.PT_DYNAMIC:
		return "DYNAMIC"
	case elf.PT_INTERP:
		return "INTERP"
	case elf.PT_NOTE:
		return "NOTE"
	case elf.PT_PHDR:
		return "PHDR"
	case elf.PT_TLS:
		return "TLS"
	case elf.PT_GNU_EH_FRAME:
		return "GNU_EH_FRAME"
	case elf.PT_GNU_STACK:
		return "GNU_STACK"
	case elf.PT_GNU_RELRO:
		return "GNU_RELRO"
	}

	return fmt.Sprintf("%#x", phdrType)
}

func phdrFlagsString(flags uint32) string {
	out := []byte("---")
	if flags&elf.PF_R != 0 {
		out[0] = 'r'
	}
	if flags&elf.PF_W != 0 {
		out[1] = 'w'
	}
	if flags&elf.PF_X != 0 {
		out[2] = 'x'
	}

	return string(out)
}

func shdrTypeString(shdrType uint32) string {
	switch shdrType {
	case elf.SHT_NULL:
		return "NULL"
	case elf.SHT_PROGBITS:
		return "PROGBITS"
	case elf.SHT_SYMTAB:
		return "SYMTAB"
	case elf.SHT_STRTAB:
		return "STRTAB"
	case elf.SHT_RELA:
		return "RELA"
	case elf.SHT_NOTE:
		return "NOTE"
	case elf.SHT_NOBITS:
		return "NOBITS"
	case elf.SHT_REL:
		return "REL"
	}

	return fmt.Sprintf("%#x", shdrType)
}
