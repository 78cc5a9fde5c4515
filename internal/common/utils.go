package common

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fundestsantamaria-ux/fedcoord/internal/model"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

func ReadCsvFile(filePath string) ([][]string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open csv file %s", filePath)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse csv file %s", filePath)
	}

	return records, nil
}

// GetMembersFromFile reads the static membership list. Each record is
// rank,identity,address[,gossip_address]; a header row starting with "rank" is skipped.
func GetMembersFromFile(filePath string) ([]model.Member, error) {
	records, err := ReadCsvFile(filePath)
	if err != nil {
		return nil, err
	}

	members := []model.Member{}
	seen := map[int]bool{}
	for _, record := range records {
		if len(record) == 0 || strings.HasPrefix(strings.ToLower(record[0]), "rank") {
			continue
		}
		if len(record) < 3 {
			return nil, fmt.Errorf("incorrect membership record: %v", record)
		}

		rank, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil || rank < 1 {
			return nil, fmt.Errorf("invalid rank in membership record: %v", record)
		}
		if seen[rank] {
			return nil, fmt.Errorf("duplicate rank %d in membership file", rank)
		}
		seen[rank] = true

		address := strings.TrimSpace(record[2])
		gossipAddress := address
		if len(record) > 3 && strings.TrimSpace(record[3]) != "" {
			gossipAddress = strings.TrimSpace(record[3])
		}

		identity := model.NodeIdentity(strings.TrimSpace(record[1]))
		if identity == "" {
			identity = DeriveIdentity(address)
		}
		if err := identity.Validate(); err != nil {
			return nil, errors.Wrapf(err, "membership record for rank %d", rank)
		}

		members = append(members, model.Member{
			Rank:          rank,
			Identity:      identity,
			Address:       address,
			GossipAddress: gossipAddress,
		})
	}

	sort.Slice(members, func(i, j int) bool {
		return members[i].Rank < members[j].Rank
	})

	return members, nil
}

// DeriveIdentity gives a node without a configured identity a stable 36 character one.
func DeriveIdentity(address string) model.NodeIdentity {
	return model.NodeIdentity(uuid.NewSHA1(uuid.NameSpaceURL, []byte("fednode://"+address)).String())
}

func GetMemberByRank(members []model.Member, rank int) (model.Member, bool) {
	for _, member := range members {
		if member.Rank == rank {
			return member, true
		}
	}

	return model.Member{}, false
}

func GetMemberByIdentity(members []model.Member, identity model.NodeIdentity) (model.Member, bool) {
	for _, member := range members {
		if member.Identity == identity {
			return member, true
		}
	}

	return model.Member{}, false
}

func GetPeers(members []model.Member, self model.Member) []model.Member {
	peers := []model.Member{}
	for _, member := range members {
		if member.Rank != self.Rank {
			peers = append(peers, member)
		}
	}

	return peers
}

func GetNodeDir(baseDir string, rank int) string {
	return filepath.Join(baseDir, fmt.Sprintf("%s%d", NODE_DIR_PREFIX, rank))
}

func GetMetricLogName(metric string, rank int) string {
	return fmt.Sprintf("%s_%d.csv", metric, rank)
}

func GetReconciledMetricsName(rank int) string {
	return fmt.Sprintf("full_metrics_node_%d.csv", rank)
}

func GetModelsInfoName(identity model.NodeIdentity) string {
	return fmt.Sprintf("models_info_%s.csv", identity.FileName())
}

// ClearDir removes every entry inside dir and makes sure dir exists.
func ClearDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "unable to clear %s", dir)
	}

	return errors.Wrapf(os.MkdirAll(dir, 0755), "unable to create %s", dir)
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func CalculateAverageFloat64(numbers []float64) float64 {
	if len(numbers) == 0 {
		return 0
	}

	var sum float64
	for _, number := range numbers {
		sum += number
	}

	return sum / float64(len(numbers))
}
