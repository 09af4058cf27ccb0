// Command mymc reads, lists, and edits PlayStation 2 memory card images
// and the portable save-archive formats (PSU/MAX/CBS/SPS) that travel
// saves in and out of them.
package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-ps2mc"
	"github.com/dsoprea/go-ps2mc/archive"
)

const versionString = "mymc (go-ps2mc) 1.0"

// globalOptions are the flags every subcommand accepts, mirroring the
// original tool's -D/-i/-v switches.
type globalOptions struct {
	Debug     bool `short:"D" long:"debug" description:"Print a stack trace on failure"`
	IgnoreECC bool `short:"i" long:"ignore-ecc" description:"Ignore uncorrectable ECC errors instead of failing"`
	Version   bool `short:"v" long:"version" description:"Print the version and exit"`
}

var opts globalOptions

type imageArg struct {
	Image string `positional-arg-name:"IMAGE" description:"Memory card image file"`
}

func openImage(imagePath string, writable bool) (*os.File, *ps2mc.FS) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}

	f, err := os.OpenFile(imagePath, flag, 0)
	log.PanicIf(err)

	fs, err := ps2mc.Open(f, opts.IgnoreECC)
	log.PanicIf(err)

	return f, fs
}

type lsCommand struct {
	Args struct {
		imageArg
		Dir string `positional-arg-name:"DIR" description:"Directory to list" default:"/"`
	} `positional-args:"yes"`
}

func (c *lsCommand) Execute(_ []string) error {
	f, fs := openImage(c.Args.Image, false)
	defer f.Close()

	entries, err := fs.List(c.Args.Dir)
	log.PanicIf(err)

	for _, e := range entries {
		name := e.NameString()
		if name == "." || name == ".." {
			continue
		}

		fmt.Printf("%s %10s %s %s\n", e.Mode, humanize.Comma(int64(e.Length)), e.Modified.ToTime().Format("2006-01-02 15:04:05"), name)
	}

	return nil
}

type extractCommand struct {
	Args struct {
		imageArg
		Path string `positional-arg-name:"PATH" description:"File to extract"`
		Dest string `positional-arg-name:"DEST" description:"Destination host path"`
	} `positional-args:"yes" required:"yes"`
}

func (c *extractCommand) Execute(_ []string) error {
	f, fs := openImage(c.Args.Image, false)
	defer f.Close()

	src, err := fs.OpenFile(c.Args.Path, false)
	log.PanicIf(err)
	defer src.Close()

	dest, err := os.Create(c.Args.Dest)
	log.PanicIf(err)
	defer dest.Close()

	_, err = io.Copy(dest, src)
	log.PanicIf(err)

	return nil
}

type addCommand struct {
	Args struct {
		imageArg
		Source string `positional-arg-name:"SOURCE" description:"Host file to add"`
		Path   string `positional-arg-name:"PATH" description:"Destination path on the card"`
	} `positional-args:"yes" required:"yes"`
}

func (c *addCommand) Execute(_ []string) error {
	f, fs := openImage(c.Args.Image, true)
	defer f.Close()

	src, err := os.Open(c.Args.Source)
	log.PanicIf(err)
	defer src.Close()

	dest, err := fs.Create(c.Args.Path, ps2mc.ModeRead|ps2mc.ModeWrite)
	log.PanicIf(err)

	_, err = io.Copy(dest, src)
	log.PanicIf(err)

	return dest.Close()
}

type mkdirCommand struct {
	Args struct {
		imageArg
		Path string `positional-arg-name:"PATH" description:"Directory to create"`
	} `positional-args:"yes" required:"yes"`
}

func (c *mkdirCommand) Execute(_ []string) error {
	f, fs := openImage(c.Args.Image, true)
	defer f.Close()

	return fs.Mkdir(c.Args.Path)
}

type removeCommand struct {
	Recursive bool `short:"r" long:"recursive" description:"Remove directories and their contents recursively"`
	Args      struct {
		imageArg
		Path string `positional-arg-name:"PATH" description:"Entry to remove"`
	} `positional-args:"yes" required:"yes"`
}

func (c *removeCommand) Execute(_ []string) error {
	f, fs := openImage(c.Args.Image, true)
	defer f.Close()

	if c.Recursive {
		return fs.RemoveRecursive(c.Args.Path)
	}

	return fs.Remove(c.Args.Path)
}

type renameCommand struct {
	Args struct {
		imageArg
		Old string `positional-arg-name:"OLD" description:"Existing path"`
		New string `positional-arg-name:"NEW" description:"New name"`
	} `positional-args:"yes" required:"yes"`
}

func (c *renameCommand) Execute(_ []string) error {
	f, fs := openImage(c.Args.Image, true)
	defer f.Close()

	return fs.Rename(c.Args.Old, c.Args.New)
}

type deleteCommand struct {
	Args struct {
		imageArg
		Dir string `positional-arg-name:"DIR" description:"Save directory to delete recursively"`
	} `positional-args:"yes" required:"yes"`
}

func (c *deleteCommand) Execute(_ []string) error {
	f, fs := openImage(c.Args.Image, true)
	defer f.Close()

	return fs.RemoveRecursive(c.Args.Dir)
}

// iconTitle reads name/icon.sys off fs, if present, and returns its
// two title lines joined with a space. Returns "" for anything that
// doesn't decode, the same way the original tool prints "Corrupt" in
// place of a title it can't parse.
func iconTitle(fs *ps2mc.FS, name string) string {
	f, err := fs.OpenFile(path.Join("/", name, "icon.sys"), false)
	if err != nil {
		return ""
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}

	is, err := archive.DecodeIconSys(data)
	if err != nil {
		return ""
	}

	line1, line2 := is.Titles()

	return strings.TrimSpace(line1 + " " + line2)
}

// protectionLabel renders a directory entry's protection/type status the
// way the original tool's "dir" command does: write+protected bits first,
// then PSX/PocketStation overriding that entirely when set.
func protectionLabel(mode ps2mc.DirMode) string {
	var protection string

	switch mode & (ps2mc.ModeProtected | ps2mc.ModeWrite) {
	case 0:
		protection = "Delete Protected"
	case ps2mc.ModeWrite:
		protection = "Not Protected"
	case ps2mc.ModeProtected:
		protection = "Copy & Delete Protected"
	default:
		protection = "Copy Protected"
	}

	if mode.IsPSX() {
		protection = "PlayStation"
		if mode.IsPocketStation() {
			protection = "PocketStation"
		}
	}

	return protection
}

type dirCommand struct {
	Args struct {
		imageArg
	} `positional-args:"yes" required:"yes"`
}

func (c *dirCommand) Execute(_ []string) error {
	f, fs := openImage(c.Args.Image, false)
	defer f.Close()

	entries, err := fs.List("/")
	log.PanicIf(err)

	for _, e := range entries {
		name := e.NameString()
		if name == "." || name == ".." || !e.Mode.IsDir() {
			continue
		}

		// A directory's slot count lives on its own "." entry (the first
		// live entry), not on the entry listed here in the root.
		sizeKB := uint32(0)
		if children, listErr := fs.List("/" + name); listErr == nil && len(children) > 0 {
			sizeKB = (children[0].Length * ps2mc.DirEntrySize) / 1024
		}

		fmt.Printf("%-32s %s\n", name, iconTitle(fs, name))
		fmt.Printf("%4dKB %-25s\n\n", sizeKB, protectionLabel(e.Mode))
	}

	free, _, err := fs.GetFreeSpace()
	log.PanicIf(err)

	fmt.Printf("%s KB Free\n", humanize.Comma(int64(free)*int64(fs.ClusterSize())/1024))

	return nil
}

// modeFlags are the mode-mask CLI flags shared by the "set" and "clear"
// commands, mirroring the original tool's do_setmode -H/-K/-P/-p/-r/-w/-x
// switches.
type modeFlags struct {
	Hidden        bool   `short:"H" long:"hidden" description:"Hidden flag"`
	PocketStation bool   `short:"K" long:"pocketstation" description:"PocketStation flag"`
	PSX           bool   `short:"P" long:"psx" description:"PSX (PS1) flag"`
	Protected     bool   `short:"p" long:"protected" description:"Copy protected flag"`
	Read          bool   `short:"r" long:"read" description:"Read allowed flag"`
	Write         bool   `short:"w" long:"write" description:"Write allowed flag"`
	Execute       bool   `short:"x" long:"execute" description:"Execute allowed flag"`
	HexValue      string `short:"X" long:"hex-value" description:"Apply this hex mode value directly, instead of the individual flags above"`
}

// mask reduces the flag struct down to the DirMode bits it names.
func (m modeFlags) mask() ps2mc.DirMode {
	var mode ps2mc.DirMode

	if m.Hidden {
		mode |= ps2mc.ModeHidden
	}
	if m.PocketStation {
		mode |= ps2mc.ModePocketStation
	}
	if m.PSX {
		mode |= ps2mc.ModePSX
	}
	if m.Protected {
		mode |= ps2mc.ModeProtected
	}
	if m.Read {
		mode |= ps2mc.ModeRead
	}
	if m.Write {
		mode |= ps2mc.ModeWrite
	}
	if m.Execute {
		mode |= ps2mc.ModeExecute
	}

	return mode
}

// hexMode parses the -X flag's value, accepting an optional "0x"/"0X"
// prefix the way the original tool's int(value, 16) parsing does.
func hexMode(value string) (ps2mc.DirMode, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(value, "0x"), "0X")

	parsed, err := strconv.ParseUint(trimmed, 16, 16)
	if err != nil {
		return 0, err
	}

	return ps2mc.DirMode(parsed), nil
}

type setCommand struct {
	modeFlags
	Args struct {
		imageArg
		Path string `positional-arg-name:"PATH" description:"Entry to modify"`
	} `positional-args:"yes" required:"yes"`
}

func (c *setCommand) Execute(_ []string) error {
	f, fs := openImage(c.Args.Image, true)
	defer f.Close()

	if c.HexValue != "" {
		value, err := hexMode(c.HexValue)
		log.PanicIf(err)

		return fs.SetDirEnt(c.Args.Path, value, ^ps2mc.DirMode(0)&^value)
	}

	return fs.SetDirEnt(c.Args.Path, c.modeFlags.mask(), 0)
}

type clearCommand struct {
	modeFlags
	Args struct {
		imageArg
		Path string `positional-arg-name:"PATH" description:"Entry to modify"`
	} `positional-args:"yes" required:"yes"`
}

func (c *clearCommand) Execute(_ []string) error {
	f, fs := openImage(c.Args.Image, true)
	defer f.Close()

	if c.HexValue != "" {
		value, err := hexMode(c.HexValue)
		log.PanicIf(err)

		return fs.SetDirEnt(c.Args.Path, 0, value)
	}

	return fs.SetDirEnt(c.Args.Path, 0, c.modeFlags.mask())
}

type importCommand struct {
	IgnoreExisting bool   `short:"i" long:"ignore-existing" description:"Skip the import instead of failing if the destination directory already exists"`
	Directory      string `short:"d" long:"directory" description:"Import under this directory name instead of the archive's own"`
	Args           struct {
		imageArg
		Archive string `positional-arg-name:"ARCHIVE" description:"PSU/MAX/CBS/SPS file"`
	} `positional-args:"yes" required:"yes"`
}

func (c *importCommand) Execute(_ []string) error {
	f, fs := openImage(c.Args.Image, true)
	defer f.Close()

	raw, err := os.ReadFile(c.Args.Archive)
	log.PanicIf(err)

	format, err := archive.DetectFormat(raw)
	log.PanicIf(err)

	sf, err := archive.Import(format, raw)
	log.PanicIf(err)

	imported, err := archive.ImportSaveFile(fs, sf, c.IgnoreExisting, c.Directory)
	log.PanicIf(err)

	if !imported {
		fmt.Printf("%s: already in memory card image, ignored.\n", c.Args.Archive)
	}

	return nil
}

type exportCommand struct {
	Args struct {
		imageArg
		Dir     string `positional-arg-name:"DIR" description:"Save directory on the card"`
		Archive string `positional-arg-name:"ARCHIVE" description:"Destination PSU file"`
	} `positional-args:"yes" required:"yes"`
}

func (c *exportCommand) Execute(_ []string) error {
	f, fs := openImage(c.Args.Image, false)
	defer f.Close()

	sf, err := archive.ExportSaveFile(fs, c.Args.Dir)
	log.PanicIf(err)

	raw, err := archive.Export(archive.FormatPSU, sf)
	log.PanicIf(err)

	return os.WriteFile(c.Args.Archive, raw, 0644)
}

type dfCommand struct {
	Args struct {
		imageArg
	} `positional-args:"yes" required:"yes"`
}

func (c *dfCommand) Execute(_ []string) error {
	f, fs := openImage(c.Args.Image, false)
	defer f.Close()

	free, total, err := fs.GetFreeSpace()
	log.PanicIf(err)

	clusterSize := fs.ClusterSize()

	fmt.Printf("%s bytes free of %s\n",
		humanize.Comma(int64(free)*int64(clusterSize)),
		humanize.Comma(int64(total)*int64(clusterSize)))

	return nil
}

type checkCommand struct {
	Args struct {
		imageArg
	} `positional-args:"yes" required:"yes"`
}

func (c *checkCommand) Execute(_ []string) error {
	f, fs := openImage(c.Args.Image, false)
	defer f.Close()

	ok, issues, err := fs.Check()
	log.PanicIf(err)

	for _, issue := range issues {
		fmt.Printf("%s: %s\n", issue.Path, issue.Msg)
	}

	if !ok {
		return fmt.Errorf("%d issue(s) found", len(issues))
	}

	fmt.Println("OK")

	return nil
}

type formatCommand struct {
	NoECC bool `long:"no-ecc" description:"Format without an ECC spare area"`
	Args  struct {
		Image string `positional-arg-name:"IMAGE" description:"Image file to create"`
	} `positional-args:"yes" required:"yes"`
}

func (c *formatCommand) Execute(_ []string) error {
	f, err := os.Create(c.Args.Image)
	log.PanicIf(err)
	defer f.Close()

	size := int64(ps2mc.StandardPagesPerCard) * (ps2mc.StandardPageSize + ps2mc.StandardSpareSize)
	if c.NoECC {
		size = int64(ps2mc.StandardPagesPerCard) * ps2mc.StandardPageSize
	}

	log.PanicIf(f.Truncate(size))

	return ps2mc.Format(f, ps2mc.FormatParams{NoECC: c.NoECC})
}

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))

			if opts.Debug {
				log.PrintError(err)
			} else {
				fmt.Fprintln(os.Stderr, err.Error())
			}

			os.Exit(1)
		}
	}()

	p := flags.NewParser(&opts, flags.Default)

	if _, err := p.AddCommand("ls", "List a directory", "", &lsCommand{}); err != nil {
		log.Panic(err)
	}

	if _, err := p.AddCommand("extract", "Extract a file to the host filesystem", "", &extractCommand{}); err != nil {
		log.Panic(err)
	}

	if _, err := p.AddCommand("add", "Add a host file to the card", "", &addCommand{}); err != nil {
		log.Panic(err)
	}

	if _, err := p.AddCommand("mkdir", "Create a directory", "", &mkdirCommand{}); err != nil {
		log.Panic(err)
	}

	if _, err := p.AddCommand("remove", "Remove a file or directory", "", &removeCommand{}); err != nil {
		log.Panic(err)
	}

	if _, err := p.AddCommand("rename", "Rename an entry", "", &renameCommand{}); err != nil {
		log.Panic(err)
	}

	if _, err := p.AddCommand("delete", "Recursively delete a directory (save file)", "", &deleteCommand{}); err != nil {
		log.Panic(err)
	}

	if _, err := p.AddCommand("dir", "List save directories with size and title", "", &dirCommand{}); err != nil {
		log.Panic(err)
	}

	if _, err := p.AddCommand("set", "Set mode flags on a file or directory", "", &setCommand{}); err != nil {
		log.Panic(err)
	}

	if _, err := p.AddCommand("clear", "Clear mode flags on a file or directory", "", &clearCommand{}); err != nil {
		log.Panic(err)
	}

	if _, err := p.AddCommand("import", "Import a PSU/MAX/CBS/SPS save archive", "", &importCommand{}); err != nil {
		log.Panic(err)
	}

	if _, err := p.AddCommand("export", "Export a save directory as a PSU archive", "", &exportCommand{}); err != nil {
		log.Panic(err)
	}

	if _, err := p.AddCommand("df", "Show free space", "", &dfCommand{}); err != nil {
		log.Panic(err)
	}

	if _, err := p.AddCommand("check", "Check filesystem consistency", "", &checkCommand{}); err != nil {
		log.Panic(err)
	}

	if _, err := p.AddCommand("format", "Create a new, empty card image", "", &formatCommand{}); err != nil {
		log.Panic(err)
	}

	_, err := p.Parse()
	if err != nil {
		if opts.Version {
			fmt.Println(versionString)
			return
		}

		os.Exit(1)
	}

	if opts.Version {
		fmt.Println(versionString)
	}
}
