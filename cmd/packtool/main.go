// Command packtool drives a packcache.Cache against a disk image file from
// the shell, for poking at the engine's behavior without writing Go.
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/vireo-systems/packcache/cache"
	"github.com/vireo-systems/packcache/device"
)

var geometryFlags = []cli.Flag{
	&cli.StringFlag{Name: "image", Required: true, Usage: "path to the backing disk image"},
	&cli.UintFlag{Name: "block-size-sh", Value: 9, Usage: "log2 of the block size"},
	&cli.UintFlag{Name: "packet-size-sh", Value: 2, Usage: "log2 of blocks per packet"},
	&cli.UintFlag{Name: "frame-size-sh", Value: 4, Usage: "log2 of blocks per frame"},
	&cli.IntFlag{Name: "max-blocks", Value: 256, Usage: "MaxBlocks eviction limit"},
	&cli.IntFlag{Name: "max-frames", Value: 32, Usage: "MaxFrames eviction limit"},
	&cli.StringFlag{Name: "mode", Value: "rw", Usage: "rom|rw|ram (r and ewr are rejected: no UpdateReloc callback is wired)"},
}

var modeChangeFlags = append(append([]cli.Flag{}, geometryFlags...),
	&cli.StringFlag{Name: "set-mode", Usage: "rom|rw|ram: switch the cache to this media mode (r and ewr are rejected: no UpdateReloc callback is wired)"},
	&cli.BoolFlag{Name: "cache-whole-packet", Usage: "set the CacheWholePacket flag"},
	&cli.BoolFlag{Name: "mark-bad-blocks", Usage: "set the MarkBadBlocks flag"},
	&cli.BoolFlag{Name: "ro-bad-blocks", Usage: "set the ROBadBlocks flag (combine with --mark-bad-blocks)"},
)

func main() {
	app := &cli.App{
		Usage: "Inspect and exercise a packcache write-back cache over a disk image",
		Commands: []*cli.Command{
			{
				Name:      "read",
				Usage:     "Read COUNT blocks starting at ADDR and write them to stdout",
				ArgsUsage: "ADDR COUNT",
				Flags:     geometryFlags,
				Action:    runRead,
			},
			{
				Name:      "write",
				Usage:     "Write COUNT blocks starting at ADDR from stdin",
				ArgsUsage: "ADDR COUNT",
				Flags:     geometryFlags,
				Action:    runWrite,
			},
			{
				Name:   "flush",
				Usage:  "Flush every modified block back to the image",
				Flags:  geometryFlags,
				Action: runFlush,
			},
			{
				Name:   "purge",
				Usage:  "Flush and then discard the entire cache",
				Flags:  geometryFlags,
				Action: runPurge,
			},
			{
				Name:   "stats",
				Usage:  "Dump per-frame access/update statistics as CSV",
				Flags:  geometryFlags,
				Action: runStats,
			},
			{
				Name:   "mode",
				Usage:  "Report or change the cache's media mode and behavior flags",
				Flags:  modeChangeFlags,
				Action: runMode,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("packtool: %s", err)
	}
}

func parseMode(s string) (cache.Mode, error) {
	switch s {
	case "rom":
		return cache.ModeROM, nil
	case "rw":
		return cache.ModeRW, nil
	case "r":
		return cache.ModeR, nil
	case "ram":
		return cache.ModeRAM, nil
	case "ewr":
		return cache.ModeEWR, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

// openCache builds a Cache wired to the image named by the --image flag,
// using the geometry flags shared by every subcommand.
func openCache(c *cli.Context) (*cache.Cache, *os.File, error) {
	mode, err := parseMode(c.String("mode"))
	if err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(c.String("image"), os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	blockSizeSh := c.Uint("block-size-sh")
	bytesPerBlock := uint(1) << blockSizeSh
	totalBlocks := uint64(info.Size()) / uint64(bytesPerBlock)

	stream := device.WrapStream(f, bytesPerBlock, totalBlocks)

	var ch cache.Cache
	err = ch.Init(cache.InitParams{
		BlockSizeSh:      blockSizeSh,
		PacketSizeSh:     c.Uint("packet-size-sh"),
		BlocksPerFrameSh: c.Uint("frame-size-sh"),
		FirstLba:         0,
		LastLba:          cache.Lba(totalBlocks - 1),
		MaxBlocks:        c.Int("max-blocks"),
		MaxFrames:        c.Int("max-frames"),
		FramesToKeepFree: 2,
		MaxTriesForNA:    3,
		Mode:             mode,
		Read:             stream.Read,
		Write:            stream.Write,
		CheckUsed:        stream.CheckUsed,
		ErrorHandler:     device.FailFast,
	})
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return &ch, f, nil
}

func parseAddrCount(c *cli.Context) (cache.Lba, int, error) {
	if c.Args().Len() != 2 {
		return 0, 0, fmt.Errorf("expected ADDR COUNT")
	}
	addr, err := strconv.ParseUint(c.Args().Get(0), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid ADDR: %w", err)
	}
	count, err := strconv.Atoi(c.Args().Get(1))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid COUNT: %w", err)
	}
	return cache.Lba(addr), count, nil
}

func runRead(c *cli.Context) error {
	addr, count, err := parseAddrCount(c)
	if err != nil {
		return err
	}
	ch, f, err := openCache(c)
	if err != nil {
		return err
	}
	defer f.Close()
	defer ch.Release()

	blockSize := 1 << c.Uint("block-size-sh")
	buf := make([]byte, count*blockSize)
	n, err := ch.Read(c.Context, addr, count, buf, false)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(buf[:n*blockSize])
	return err
}

func runWrite(c *cli.Context) error {
	addr, count, err := parseAddrCount(c)
	if err != nil {
		return err
	}
	ch, f, err := openCache(c)
	if err != nil {
		return err
	}
	defer f.Close()
	defer ch.Release()

	blockSize := 1 << c.Uint("block-size-sh")
	buf := make([]byte, count*blockSize)
	if _, err := os.Stdin.Read(buf); err != nil {
		return err
	}
	if _, err := ch.Write(c.Context, addr, count, buf, false); err != nil {
		return err
	}
	return ch.FlushAll(c.Context)
}

func runFlush(c *cli.Context) error {
	ch, f, err := openCache(c)
	if err != nil {
		return err
	}
	defer f.Close()
	defer ch.Release()
	return ch.FlushAll(c.Context)
}

func runPurge(c *cli.Context) error {
	ch, f, err := openCache(c)
	if err != nil {
		return err
	}
	defer f.Close()
	defer ch.Release()
	return ch.PurgeAll(c.Context)
}

func runStats(c *cli.Context) error {
	ch, f, err := openCache(c)
	if err != nil {
		return err
	}
	defer f.Close()
	defer ch.Release()
	return cache.DumpFrameStats(os.Stdout, ch.FrameStats())
}

// runMode reports the cache's current mode and flags, or changes them in
// place via SetMode/ChFlags, without flushing or otherwise disturbing
// whatever is already cached.
func runMode(c *cli.Context) error {
	ch, f, err := openCache(c)
	if err != nil {
		return err
	}
	defer f.Close()
	defer ch.Release()

	var set, clear cache.Flags
	chFlag := func(name string, flag cache.Flags) {
		if !c.IsSet(name) {
			return
		}
		if c.Bool(name) {
			set |= flag
		} else {
			clear |= flag
		}
	}
	chFlag("cache-whole-packet", cache.CacheWholePacket)
	chFlag("mark-bad-blocks", cache.MarkBadBlocks)
	chFlag("ro-bad-blocks", cache.ROBadBlocks)
	ch.ChFlags(set, clear)

	if s := c.String("set-mode"); s != "" {
		newMode, err := parseMode(s)
		if err != nil {
			return err
		}
		if err := ch.SetMode(newMode); err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stdout, "mode=%v flags=%v\n", ch.GetMode(), ch.GetFlags())
	return nil
}
