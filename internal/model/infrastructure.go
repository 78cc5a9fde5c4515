package model

import "fmt"

type Member struct {
	Rank          int
	Identity      NodeIdentity
	Address       string // FL server address, host:port
	GossipAddress string // election listener address, host:port
}

func (m Member) String() string {
	return fmt.Sprintf("node %d (%s) at %s", m.Rank, m.Identity, m.Address)
}

type ResourceSnapshot struct {
	Identity     NodeIdentity `json:"identity"`
	IP           string       `json:"ip"`
	RamMB        float64      `json:"ram_available_mb"`
	DiskMB       float64      `json:"disk_available_mb"`
	CpuCores     int          `json:"cpu_cores"`
	CpuMHz       float64      `json:"cpu_mhz"`
	GpuActive    bool         `json:"gpu_active"`
	UploadMbps   float64      `json:"net_upload_mbps"`
	DownloadMbps float64      `json:"net_download_mbps"`
}
