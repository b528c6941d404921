package machine

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/faouellet/Tostitos/pkg/cpu"
)

// threadState is the JSON form of one thread in machine.json.
type threadState struct {
	ID       int                 `json:"id"`
	Name     string              `json:"name"`
	State    string              `json:"state"`
	Parent   int                 `json:"parent"`
	Children []int               `json:"children,omitempty"`
	Block    string              `json:"block,omitempty"`
	WakeAt   int64               `json:"wake_at,omitempty"`
	ExitCode int32               `json:"exit_code"`
	Fault    string              `json:"fault,omitempty"`
	Context  cpu.ContextSnapshot `json:"context"`
}

type regionState struct {
	Addr  uint32 `json:"addr"`
	Size  uint32 `json:"size"`
	Perm  string `json:"perm"`
	Owner string `json:"owner"`
	Image string `json:"image"`
}

// MachineState is the content of machine.json.
type MachineState struct {
	Clock   int64         `json:"clock"`
	Config  Config        `json:"config"`
	Layout  cpu.Layout    `json:"layout"`
	Queue   []int         `json:"ready_queue"`
	Threads []threadState `json:"threads"`
	Faults  []string      `json:"faults,omitempty"`
	Regions []regionState `json:"regions"`
}

type diskFile struct {
	Name     string    `json:"name"`
	Size     int       `json:"size"`
	Source   string    `json:"source"`
	Mounted  time.Time `json:"mounted"`
	Modified time.Time `json:"modified"`
}

type diskState struct {
	Files []diskFile `json:"files"`
}

// SnapshotImage is a snapshot read back from its archive.
type SnapshotImage struct {
	State MachineState
	// Memory maps region addresses to their contents.
	Memory map[uint32][]byte
	// Files maps mounted names to their contents.
	Files map[string][]byte
}

// Snapshot writes the machine state as a ZIP archive: machine.json with the
// clock, threads and memory map, one image per memory region under memory/,
// and disk.json plus the mounted files under disk/.
func (m *Machine) Snapshot(w io.Writer) error {
	zw := zip.NewWriter(w)

	state := MachineState{Clock: m.Clock(), Config: m.cfg, Queue: m.Queue()}
	if m.cpu != nil {
		state.Layout = m.cpu.Layout
	}
	for _, t := range m.Threads() {
		ts := threadState{
			ID:       t.ID,
			Name:     t.Name,
			State:    t.State.String(),
			Parent:   t.Parent,
			Children: t.Children,
			WakeAt:   t.WakeAt,
			ExitCode: t.ExitCode,
			Context:  t.Context,
		}
		if t.Block != cpu.BlockNone {
			ts.Block = t.Block.String()
		}
		if t.Fault != nil {
			ts.Fault = t.Fault.Error()
		}
		state.Threads = append(state.Threads, ts)
	}
	for _, f := range m.Outcome().Faults {
		state.Faults = append(state.Faults, f.Error())
	}

	for _, r := range m.mem.Regions() {
		image := fmt.Sprintf("memory/%08x.bin", r.Addr)
		state.Regions = append(state.Regions, regionState{
			Addr:  r.Addr,
			Size:  r.Size,
			Perm:  r.Perm.String(),
			Owner: r.Owner,
			Image: image,
		})
		if err := writeZipEntry(zw, image, m.mem.Dump(r.Addr, r.Size)); err != nil {
			return err
		}
	}

	jsonData, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal machine state: %w", err)
	}
	if err := writeZipEntry(zw, "machine.json", jsonData); err != nil {
		return err
	}

	var disk diskState
	for _, name := range m.disk.List() {
		info, err := m.disk.Meta(name)
		if err != nil {
			return err
		}
		data, err := m.disk.Read(name, 0, info.Size)
		if err != nil {
			return err
		}
		disk.Files = append(disk.Files, diskFile(info))
		if err := writeZipEntry(zw, "disk/"+name, data); err != nil {
			return err
		}
	}
	diskJSON, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal disk state: %w", err)
	}
	if err := writeZipEntry(zw, "disk.json", diskJSON); err != nil {
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zip: %w", err)
	}
	return nil
}

// SnapshotToFile writes the snapshot archive to path.
func (m *Machine) SnapshotToFile(path string) error {
	buf := new(bytes.Buffer)
	if err := m.Snapshot(buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// ReadSnapshot decodes an archive written by Snapshot.
func ReadSnapshot(data []byte) (*SnapshotImage, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	fileMap := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		fileMap[f.Name] = f
	}

	img := &SnapshotImage{Memory: make(map[uint32][]byte), Files: make(map[string][]byte)}
	jsonData, err := readZipEntry(fileMap, "machine.json")
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(jsonData, &img.State); err != nil {
		return nil, fmt.Errorf("unmarshal machine state: %w", err)
	}
	for _, reg := range img.State.Regions {
		b, err := readZipEntry(fileMap, reg.Image)
		if err != nil {
			return nil, err
		}
		img.Memory[reg.Addr] = b
	}

	diskJSON, err := readZipEntry(fileMap, "disk.json")
	if err != nil {
		return nil, err
	}
	var disk diskState
	if err := json.Unmarshal(diskJSON, &disk); err != nil {
		return nil, fmt.Errorf("unmarshal disk state: %w", err)
	}
	for _, f := range disk.Files {
		b, err := readZipEntry(fileMap, "disk/"+f.Name)
		if err != nil {
			return nil, fmt.Errorf("snapshot file %q: %w", f.Name, err)
		}
		img.Files[f.Name] = b
	}
	return img, nil
}

// ReadSnapshotFile reads a snapshot archive from path.
func ReadSnapshotFile(path string) (*SnapshotImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ReadSnapshot(data)
}

func writeZipEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create zip entry %q: %w", name, err)
	}
	_, err = w.Write(data)
	return err
}

func readZipEntry(fileMap map[string]*zip.File, name string) ([]byte, error) {
	f, ok := fileMap[name]
	if !ok {
		return nil, fmt.Errorf("zip entry %q not found", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open zip entry %q: %w", name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
