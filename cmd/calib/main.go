// Command calib manages wavefront-sensor calibration products. Products are
// imported from CSV into a SQLite store and published from the store into the
// shared-memory streams a centroider consumes.
//
// Usage:
//
//	calib import -db calib.db -wfs 1 -nsubx 32 -nsuby 32 -width 256 -height 256 \
//	    -lutx lutx.csv -luty luty.csv [-valid valid.csv] [-bg bg.csv] [-comment text]
//	calib list -db calib.db
//	calib publish -db calib.db -wfs 1 [-set <uuid>]
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/ltao-data/centroider/internal/calibdb"
	"github.com/ltao-data/centroider/internal/shm"
	"github.com/ltao-data/centroider/internal/wfs"
)

func main() {
	log.SetPrefix("calib: ")
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "import":
		runImport(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "publish":
		runPublish(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: calib {import|list|publish} [flags]")
	os.Exit(2)
}

func runImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	dbPath := fs.String("db", "calib.db", "calibration database path")
	wfsNumber := fs.Int("wfs", 1, "WFS number")
	nsubx := fs.Int("nsubx", 32, "number of subapertures in x")
	nsuby := fs.Int("nsuby", 32, "number of subapertures in y")
	width := fs.Int("width", 256, "frame width in pixels")
	height := fs.Int("height", 256, "frame height in pixels")
	fovx := fs.Int("fovx", 6, "subaperture FOV in pixels (x), for window validation")
	fovy := fs.Int("fovy", 6, "subaperture FOV in pixels (y), for window validation")
	lutxPath := fs.String("lutx", "", "CSV of fractional x-centers (required)")
	lutyPath := fs.String("luty", "", "CSV of fractional y-centers (required)")
	validPath := fs.String("valid", "", "CSV of 0/1 validity flags (optional)")
	bgPath := fs.String("bg", "", "CSV of background pixels, row-major (optional)")
	comment := fs.String("comment", "", "free-form note stored with the set")
	fs.Parse(args)

	if *lutxPath == "" || *lutyPath == "" {
		log.Fatal("import: -lutx and -luty are required")
	}
	set := &calibdb.Set{
		WFSNumber:   *wfsNumber,
		Nsubx:       *nsubx,
		Nsuby:       *nsuby,
		FrameWidth:  *width,
		FrameHeight: *height,
		Comment:     *comment,
	}
	var err error
	if set.LUTX, err = readFloatCSV(*lutxPath); err != nil {
		log.Fatal(err)
	}
	if set.LUTY, err = readFloatCSV(*lutyPath); err != nil {
		log.Fatal(err)
	}
	if *validPath != "" {
		flags, err := readFloatCSV(*validPath)
		if err != nil {
			log.Fatal(err)
		}
		set.Valid = make([]uint8, len(flags))
		for i, v := range flags {
			if v != 0 {
				set.Valid[i] = 1
			}
		}
	}
	if *bgPath != "" {
		if set.BG, err = readFloatCSV(*bgPath); err != nil {
			log.Fatal(err)
		}
	}

	// Reject products a centroider would refuse at startup.
	if _, err := wfs.NewSubapGrid(set.Nsubx, set.Nsuby, *fovx, *fovy, set.LUTX, set.LUTY, set.Valid,
		set.FrameWidth, set.FrameHeight); err != nil {
		log.Fatalf("import: %v", err)
	}

	db, err := calibdb.Open(*dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	id, err := db.SaveSet(set)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(id)
}

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dbPath := fs.String("db", "calib.db", "calibration database path")
	fs.Parse(args)

	db, err := calibdb.Open(*dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	sets, err := db.ListSets()
	if err != nil {
		log.Fatal(err)
	}
	for _, s := range sets {
		extras := ""
		if s.HasValid {
			extras += " +valid"
		}
		if s.HasBG {
			extras += " +bg"
		}
		fmt.Printf("%s  wfs%d  %dx%d  %s%s  %s\n",
			s.ID, s.WFSNumber, s.Nsubx, s.Nsuby,
			s.CreatedAt.Format("2006-01-02 15:04:05"), extras, s.Comment)
	}
}

func runPublish(args []string) {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	dbPath := fs.String("db", "calib.db", "calibration database path")
	wfsNumber := fs.Int("wfs", 1, "WFS number (used when -set is not given)")
	setID := fs.String("set", "", "calibration set uuid (default: newest for -wfs)")
	fs.Parse(args)

	db, err := calibdb.Open(*dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	var set *calibdb.Set
	if *setID != "" {
		set, err = db.GetSet(*setID)
	} else {
		set, err = db.LatestSet(*wfsNumber)
	}
	if err != nil {
		log.Fatal(err)
	}

	n := uint32(set.Nsubx * set.Nsuby)
	publish := func(name string, data []float32) {
		p, err := shm.Create(name, n, 1, shm.DTypeFloat32)
		if err != nil {
			log.Fatal(err)
		}
		defer p.Close()
		shm.Update(p, func() { copy(p.Float32s(), data) })
	}
	publish(fmt.Sprintf(wfs.LUTXStreamFmt, set.WFSNumber), set.LUTX)
	publish(fmt.Sprintf(wfs.LUTYStreamFmt, set.WFSNumber), set.LUTY)
	if set.Valid != nil {
		p, err := shm.Create(fmt.Sprintf(wfs.ValidStreamFmt, set.WFSNumber), n, 1, shm.DTypeUint8)
		if err != nil {
			log.Fatal(err)
		}
		defer p.Close()
		shm.Update(p, func() { copy(p.Uint8s(), set.Valid) })
	}
	if set.BG != nil {
		p, err := shm.Create(fmt.Sprintf(wfs.BGStreamFmt, set.WFSNumber),
			uint32(set.FrameWidth), uint32(set.FrameHeight), shm.DTypeFloat32)
		if err != nil {
			log.Fatal(err)
		}
		defer p.Close()
		shm.Update(p, func() { copy(p.Float32s(), set.BG) })
	}
	log.Printf("published set %s for wfs%d", set.ID, set.WFSNumber)
}

// readFloatCSV reads every field of a CSV file as a float32, row-major.
func readFloatCSV(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var out []float32
	for _, rec := range records {
		for _, field := range rec {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid float %q: %w", path, field, err)
			}
			out = append(out, float32(v))
		}
	}
	return out, nil
}
