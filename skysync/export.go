// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

// Export transformers: pure, deterministic conversions from a formation's
// choreography payload to downstream file formats. Transform order is fixed
// (coordinate conversion, then uniform scale, then optional recentring), and
// identity options reproduce the input numerically.

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Supported export formats.
const (
	FormatCSV      = "csv"      // tabular: time,drone_id,x,y,z[,color,brightness]
	FormatSkybrush = "skybrush" // JSON grouped by per-drone trajectory
	FormatViewer   = "viewer"   // JSON grouped by per-frame position lists
)

// Coordinate conventions. Native storage is right-handed Z-up.
const (
	CoordZUp = "zup" // native, identity
	CoordYUp = "yup" // right-handed Y-up (3D tooling)
	CoordNED = "ned" // north-east-down (show-control)
)

// ExportOptions control the transform pipeline. Zero values are identity:
// same coordinate system, scale 1, no recentring.
type ExportOptions struct {
	Format           string  `json:"format"`
	CoordinateSystem string  `json:"coordinate_system,omitempty"`
	ScaleFactor      float64 `json:"scale_factor,omitempty"`
	CenterOrigin     bool    `json:"center_origin,omitempty"`
}

// ExportMetadata describes the produced artifact.
type ExportMetadata struct {
	Format     string  `json:"format"`
	DroneCount int     `json:"drone_count"`
	FrameCount int     `json:"frame_count"`
	Duration   float64 `json:"duration"`
}

// ExportResult is the serialized artifact plus bookkeeping.
type ExportResult struct {
	Filename    string         `json:"filename"`
	ContentType string         `json:"content_type"`
	Data        []byte         `json:"-"`
	Metadata    ExportMetadata `json:"metadata"`
}

// ExportFormation converts a stored formation's choreography payload into
// the requested output format. It is stateless: the formation is not
// modified and equal inputs produce equal outputs.
func ExportFormation(f *Formation, opts ExportOptions) (*ExportResult, error) {
	if f == nil || len(f.FormationData) == 0 {
		return nil, ErrNoFormationData
	}
	var data FormationData
	if err := json.Unmarshal(f.FormationData, &data); err != nil {
		return nil, fmt.Errorf("decode formation data: %w", err)
	}
	if len(data.Frames) == 0 {
		return nil, ErrNoFormationData
	}

	frames := transformFrames(data.Frames, opts)

	meta := ExportMetadata{
		Format:     opts.Format,
		DroneCount: maxDronesPerFrame(frames),
		FrameCount: len(frames),
		Duration:   frames[len(frames)-1].T,
	}

	var (
		payload []byte
		ctype   string
		ext     string
		err     error
	)
	switch opts.Format {
	case FormatCSV, "":
		payload, err = serializeCSV(frames)
		ctype, ext = "text/csv", "csv"
		meta.Format = FormatCSV
	case FormatSkybrush:
		payload, err = serializeTrajectories(f, frames)
		ctype, ext = "application/json", "json"
	case FormatViewer:
		payload, err = serializeFrames(f, frames)
		ctype, ext = "application/json", "json"
	default:
		return nil, fmt.Errorf("unknown export format %q", opts.Format)
	}
	if err != nil {
		return nil, err
	}

	return &ExportResult{
		Filename:    fmt.Sprintf("%s.%s", slugOrID(f), ext),
		ContentType: ctype,
		Data:        payload,
		Metadata:    meta,
	}, nil
}

// transformFrames applies coordinate conversion, scaling and recentring.
// The input slice is never mutated.
func transformFrames(in []FormationFrame, opts ExportOptions) []FormationFrame {
	scale := opts.ScaleFactor
	if scale == 0 {
		scale = 1
	}

	out := make([]FormationFrame, len(in))
	for i, fr := range in {
		drones := make([]DronePosition, len(fr.Drones))
		for j, d := range fr.Drones {
			x, y, z := convertPoint(opts.CoordinateSystem, d.X, d.Y, d.Z)
			d.X, d.Y, d.Z = x*scale, y*scale, z*scale
			drones[j] = d
		}
		out[i] = FormationFrame{T: fr.T, Drones: drones}
	}

	if opts.CenterOrigin {
		cx, cy, cz := boundingCenter(out)
		for i := range out {
			for j := range out[i].Drones {
				out[i].Drones[j].X -= cx
				out[i].Drones[j].Y -= cy
				out[i].Drones[j].Z -= cz
			}
		}
	}
	return out
}

// convertPoint maps the native right-handed Z-up frame into the requested
// convention via fixed axis permutation and sign flips.
func convertPoint(system string, x, y, z float64) (float64, float64, float64) {
	switch system {
	case CoordYUp:
		return x, z, -y
	case CoordNED:
		return y, x, -z
	default: // CoordZUp or unset
		return x, y, z
	}
}

// boundingCenter computes the center of the axis-aligned bounding box
// across every frame.
func boundingCenter(frames []FormationFrame) (cx, cy, cz float64) {
	first := true
	var minX, minY, minZ, maxX, maxY, maxZ float64
	for _, fr := range frames {
		for _, d := range fr.Drones {
			if first {
				minX, maxX = d.X, d.X
				minY, maxY = d.Y, d.Y
				minZ, maxZ = d.Z, d.Z
				first = false
				continue
			}
			minX, maxX = minFloat(minX, d.X), maxFloat(maxX, d.X)
			minY, maxY = minFloat(minY, d.Y), maxFloat(maxY, d.Y)
			minZ, maxZ = minFloat(minZ, d.Z), maxFloat(maxZ, d.Z)
		}
	}
	return (minX + maxX) / 2, (minY + maxY) / 2, (minZ + maxZ) / 2
}

func serializeCSV(frames []FormationFrame) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	hasExtras := false
	for _, fr := range frames {
		for _, d := range fr.Drones {
			if d.Color != "" || d.Brightness != nil {
				hasExtras = true
			}
		}
	}
	header := []string{"time", "drone_id", "x", "y", "z"}
	if hasExtras {
		header = append(header, "color", "brightness")
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, fr := range frames {
		for _, d := range fr.Drones {
			rec := []string{
				formatFloat(fr.T),
				strconv.Itoa(d.ID),
				formatFloat(d.X),
				formatFloat(d.Y),
				formatFloat(d.Z),
			}
			if hasExtras {
				bright := ""
				if d.Brightness != nil {
					bright = formatFloat(*d.Brightness)
				}
				rec = append(rec, d.Color, bright)
			}
			if err := w.Write(rec); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

type trajectoryPoint struct {
	T float64    `json:"t"`
	P [3]float64 `json:"p"`
}

type droneTrajectory struct {
	DroneID int               `json:"drone_id"`
	Points  []trajectoryPoint `json:"points"`
}

type trajectoryExport struct {
	Name         string            `json:"name"`
	DroneCount   int               `json:"drone_count"`
	Duration     float64           `json:"duration"`
	Trajectories []droneTrajectory `json:"trajectories"`
}

// serializeTrajectories groups positions by drone, for 3D tooling that
// animates one path per vehicle.
func serializeTrajectories(f *Formation, frames []FormationFrame) ([]byte, error) {
	byDrone := map[int][]trajectoryPoint{}
	for _, fr := range frames {
		for _, d := range fr.Drones {
			byDrone[d.ID] = append(byDrone[d.ID], trajectoryPoint{
				T: fr.T, P: [3]float64{d.X, d.Y, d.Z},
			})
		}
	}
	ids := make([]int, 0, len(byDrone))
	for id := range byDrone {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := trajectoryExport{
		Name:       f.Name,
		DroneCount: len(ids),
	}
	if len(frames) > 0 {
		out.Duration = frames[len(frames)-1].T
	}
	for _, id := range ids {
		out.Trajectories = append(out.Trajectories, droneTrajectory{
			DroneID: id,
			Points:  byDrone[id],
		})
	}
	return json.MarshalIndent(out, "", "  ")
}

type frameExport struct {
	Name       string           `json:"name"`
	DroneCount int              `json:"drone_count"`
	Frames     []FormationFrame `json:"frames"`
}

// serializeFrames keeps the per-frame grouping, for show-control systems
// that step through time slices.
func serializeFrames(f *Formation, frames []FormationFrame) ([]byte, error) {
	return json.MarshalIndent(frameExport{
		Name:       f.Name,
		DroneCount: maxDronesPerFrame(frames),
		Frames:     frames,
	}, "", "  ")
}

func maxDronesPerFrame(frames []FormationFrame) int {
	n := 0
	for _, fr := range frames {
		if len(fr.Drones) > n {
			n = len(fr.Drones)
		}
	}
	return n
}

func slugOrID(f *Formation) string {
	if f.SourceID != "" {
		return f.SourceID
	}
	return f.ID
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
