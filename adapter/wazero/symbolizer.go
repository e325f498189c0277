package wazero

import (
	"debug/dwarf"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sort"

	"github.com/tetratelabs/wazero"
)

// location names one frame of a call, plus the source coordinates the
// host's DWARF debug sections attribute to it: path, line and method name.
type location struct {
	File       string
	Line       int64
	Inlined    bool
	HumanName  string
	StableName string
}

type sourceOffsetRange = [2]uint64

type subprogram struct {
	Entry     *dwarf.Entry
	CU        *dwarf.Entry
	Inlines   []*dwarf.Entry
	Namespace string
}

type subprogramRange struct {
	Range      sourceOffsetRange
	Subprogram *subprogram
}

// symbolizer resolves a wasm export name into the source location DWARF
// attributes to its entry. Only the subprogram's own location is kept; the
// locations of inlined call sites are not returned. A module with no DWARF debug sections has no
// symbolizer; its calls fall back to the wasm export name with empty
// path/line.
//
// Unlike a dwarf-to-pprof mapper that resolves arbitrary program counters
// captured mid-stack-unwind, the event stream this adapter produces only
// ever reports a function at its entry — a call-like event carries no
// interior PC — so lookups here are keyed by function name and always
// resolve to the subprogram's first instruction.
type symbolizer interface {
	Lookup(name string) (location, bool)
}

type dwarfmapper struct {
	d           *dwarf.Data
	subprograms []subprogramRange
	byName      map[string]location
}

const (
	debugInfo   = ".debug_info"
	debugLine   = ".debug_line"
	debugStr    = ".debug_str"
	debugAbbrev = ".debug_abbrev"
	debugRanges = ".debug_ranges"
)

// newSymbolizer builds a symbolizer from a compiled module's DWARF custom
// sections, or returns (nil, nil) if the module was compiled without debug
// info -- not an error, just nothing to resolve against.
func newSymbolizer(module wazero.CompiledModule) (symbolizer, error) {
	var info, line, ranges, str, abbrev []byte
	for _, section := range module.CustomSections() {
		switch section.Name() {
		case debugInfo:
			info = section.Data()
		case debugLine:
			line = section.Data()
		case debugStr:
			str = section.Data()
		case debugAbbrev:
			abbrev = section.Data()
		case debugRanges:
			ranges = section.Data()
		}
	}
	if info == nil {
		return nil, nil
	}

	d, err := dwarf.New(abbrev, nil, nil, info, line, nil, ranges, str)
	if err != nil {
		return nil, fmt.Errorf("wazero adapter: dwarf: %w", err)
	}

	p := dwarfparser{d: d, r: d.Reader()}
	subprograms := p.Parse()
	log.Printf("wazero adapter: dwarf parsed %d subprogram ranges", len(subprograms))

	m := &dwarfmapper{d: d, subprograms: subprograms}
	m.build()
	return m, nil
}

// build resolves every subprogram range to a location once, up front, so
// Lookup on the hot path of a function call is a plain map read.
func (d *dwarfmapper) build() {
	d.byName = make(map[string]location, len(d.subprograms))
	for _, sr := range d.subprograms {
		offset := sr.Range[0]
		if offset == math.MaxUint64 {
			continue
		}
		locs := d.locationsForOffset(offset, sr.Subprogram)
		if len(locs) == 0 {
			continue
		}
		d.byName[locs[0].HumanName] = locs[0]
	}
}

func (d *dwarfmapper) Lookup(name string) (location, bool) {
	loc, ok := d.byName[name]
	return loc, ok
}

type dwarfparser struct {
	d *dwarf.Data
	r *dwarf.Reader

	subprograms []subprogramRange
}

func (d *dwarfparser) Parse() []subprogramRange {
	for {
		ent, err := d.r.Next()
		if err != nil || ent == nil {
			break
		}
		if ent.Tag == dwarf.TagCompileUnit {
			d.parseCompileUnit(ent, "")
		} else {
			d.r.SkipChildren()
		}
	}
	return d.subprograms
}

func (d *dwarfparser) parseCompileUnit(cu *dwarf.Entry, ns string) {
	d.parseAny(cu, ns, cu)
}

func (d *dwarfparser) parseAny(cu *dwarf.Entry, ns string, e *dwarf.Entry) {
	for e.Children {
		ent, err := d.r.Next()
		if err != nil || ent == nil {
			return
		}
		switch ent.Tag {
		case 0:
			return
		case dwarf.TagSubprogram:
			d.parseSubprogram(cu, ns, ent)
		case dwarf.TagNamespace:
			d.parseNamespace(cu, ns, ent)
		default:
			d.parseAny(cu, ns, ent)
		}
	}
}

func (d *dwarfparser) parseNamespace(cu *dwarf.Entry, ns string, e *dwarf.Entry) {
	name, ok := e.Val(dwarf.AttrName).(string)
	if ok {
		ns += name + ":"
	}
	d.parseCompileUnit(cu, ns)
}

func (d *dwarfparser) parseSubprogram(cu *dwarf.Entry, ns string, e *dwarf.Entry) {
	var inlines []*dwarf.Entry

	for e.Children {
		ent, err := d.r.Next()
		if err != nil || ent == nil {
			break
		}
		if ent.Tag == 0 {
			break
		}
		if ent.Tag != dwarf.TagInlinedSubroutine {
			d.r.SkipChildren()
			continue
		}
		inlines = append(inlines, ent)
		d.r.SkipChildren()
	}

	ranges, err := d.d.Ranges(e)
	if err != nil {
		log.Printf("wazero adapter: dwarf: failed to read ranges: %s", err)
		return
	}

	spgm := &subprogram{Entry: e, CU: cu, Inlines: inlines, Namespace: ns}

	if len(ranges) == 0 {
		ranges = append(ranges, sourceOffsetRange{math.MaxUint64, math.MaxUint64})
	}

	for _, pcr := range ranges {
		d.subprograms = append(d.subprograms, subprogramRange{Range: pcr, Subprogram: spgm})
	}
}

func (d *dwarfmapper) locationsForOffset(offset uint64, spgm *subprogram) []location {
	lr, err := d.d.LineReader(spgm.CU)
	if err != nil || lr == nil {
		log.Printf("wazero adapter: failed to read lines: %s", err)
		return nil
	}

	var lines []struct {
		Pos     dwarf.LineReaderPos
		Address uint64
	}
	var le dwarf.LineEntry
	for {
		pos := lr.Tell()
		err = lr.Next(&le)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Printf("wazero adapter: failed to iterate lines: %s", err)
			break
		}
		lines = append(lines, struct {
			Pos     dwarf.LineReaderPos
			Address uint64
		}{pos, le.Address})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Address < lines[j].Address })

	i := sort.Search(len(lines), func(i int) bool { return lines[i].Address >= offset })
	if i == len(lines) {
		return nil
	}

	l := lines[i]
	if l.Address != offset {
		if i-1 < 0 {
			return nil
		}
		l = lines[i-1]
	}

	lr.Seek(l.Pos)
	if err := lr.Next(&le); err != nil {
		return nil
	}

	human, stable := d.namesForSubprogram(spgm.Entry, spgm)
	locations := make([]location, 0, 1+len(spgm.Inlines))
	locations = append(locations, location{
		File:       le.File.Name,
		Line:       int64(le.Line),
		Inlined:    len(spgm.Inlines) > 0,
		HumanName:  human,
		StableName: stable,
	})

	if len(spgm.Inlines) > 0 {
		files := lr.Files()
		for i := len(spgm.Inlines) - 1; i >= 0; i-- {
			f := spgm.Inlines[i]
			fileIdx, ok := f.Val(dwarf.AttrCallFile).(int64)
			if !ok || fileIdx >= int64(len(files)) {
				break
			}
			file := files[fileIdx]
			line, _ := f.Val(dwarf.AttrCallLine).(int64)
			human, stable := d.namesForSubprogram(f, nil)
			locations = append(locations, location{
				File:       file.Name,
				Line:       line,
				Inlined:    i != 0,
				StableName: stable,
				HumanName:  human,
			})
		}
	}

	return locations
}

func (d *dwarfmapper) namesForSubprogram(e *dwarf.Entry, spgm *subprogram) (string, string) {
	var err error
	r := d.d.Reader()
	for {
		ao, ok := e.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
		if !ok {
			break
		}
		r.Seek(ao)
		e, err = r.Next()
		if err != nil {
			break
		}
	}

	if spgm == nil {
		for _, s := range d.subprograms {
			if s.Subprogram.Entry.Offset == e.Offset {
				spgm = s.Subprogram
				break
			}
		}
	}

	var ns string
	if spgm != nil {
		ns = spgm.Namespace
	}

	name, _ := e.Val(dwarf.AttrName).(string)
	name = ns + name
	stableName, ok := e.Val(dwarf.AttrLinkageName).(string)
	if !ok {
		stableName = name
	}

	return name, stableName
}
