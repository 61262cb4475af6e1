package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

// seedScenarios are the alert shapes the seeder cycles through. Each names a
// detection title, category and the MITRE techniques it typically carries;
// the seeder fills hosts and addresses with fake but well-formed values.
var seedScenarios = []struct {
	title      string
	category   string
	severity   string
	techniques []string
}{
	{"PowerShell Execution", "execution", "high", []string{"T1059.001"}},
	{"Suspicious Scheduled Task", "persistence", "medium", []string{"T1053.005"}},
	{"Credential Dumping Attempt", "credential_access", "critical", []string{"T1003.001"}},
	{"Outbound Beaconing", "command_and_control", "high", []string{"T1071.001"}},
	{"Lateral Movement via SMB", "lateral_movement", "high", []string{"T1021.002"}},
	{"Phishing Attachment Opened", "initial_access", "medium", []string{"T1566.001"}},
	{"Registry Run Key Modified", "persistence", "low", []string{"T1547.001"}},
	{"Mass File Encryption", "impact", "critical", []string{"T1486"}},
}

func newSeedCmd() *cobra.Command {
	var (
		count      int
		dupeRate   int
		randomSeed int64
		showSpin   bool
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate synthetic alerts through the full ingest pipeline",
		Long: `Generate fake but realistic alert payloads and run each through
normalization, storage and deduplication, exactly like webhook traffic.
A fraction of the payloads repeat an earlier payload verbatim so the dedup
path gets exercised; --dupe-rate controls that percentage.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be positive, got %d", count)
			}
			if dupeRate < 0 || dupeRate > 90 {
				return fmt.Errorf("--dupe-rate must be between 0 and 90, got %d", dupeRate)
			}

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			env, cleanup, err := initEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			normalizer, err := buildNormalizer(env)
			if err != nil {
				return err
			}

			var s *spinner.Spinner
			if showSpin && !quiet && !outputJSON {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = " seeding alerts..."
				s.Start()
			}

			faker := gofakeit.New(randomSeed)
			payloads := generateSeedPayloads(faker, count, dupeRate)

			var ingested, merged, failed int
			for _, payload := range payloads {
				raw, err := json.Marshal(payload)
				if err != nil {
					failed++
					continue
				}
				result, err := normalizer.IngestJSON(ctx, "default", raw)
				if err != nil {
					failed++
					continue
				}
				ingested++
				if result.Submit != nil && result.Submit.Outcome == "merged" {
					merged++
				}
			}

			if s != nil {
				s.Stop()
			}

			if outputJSON {
				return outputAsJSON(map[string]int{
					"ingested": ingested,
					"merged":   merged,
					"failed":   failed,
				})
			}

			successColor.Printf("✓ seeded %d alerts\n", ingested)
			fmt.Printf("  Merged as duplicates: %d\n", merged)
			if failed > 0 {
				errorColor.Printf("  Failed: %d\n", failed)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 100, "Number of alerts to generate")
	cmd.Flags().IntVar(&dupeRate, "dupe-rate", 20, "Percentage of payloads that repeat an earlier one (0-90)")
	cmd.Flags().Int64Var(&randomSeed, "seed", 0, "Fake-data random seed (0 = nondeterministic)")
	cmd.Flags().BoolVar(&showSpin, "progress", true, "Show a progress spinner")

	return cmd
}

// generateSeedPayloads builds count provider payloads in the default
// profile's canonical shape. Every dupeRate-th payload repeats the previous
// fresh one so the exact-dedup path fires.
func generateSeedPayloads(faker *gofakeit.Faker, count, dupeRate int) []map[string]interface{} {
	payloads := make([]map[string]interface{}, 0, count)

	var lastFresh map[string]interface{}
	for i := 0; i < count; i++ {
		if lastFresh != nil && faker.Number(0, 99) < dupeRate {
			dup := make(map[string]interface{}, len(lastFresh))
			for k, v := range lastFresh {
				dup[k] = v
			}
			// A duplicate is the same event seen again: new external id,
			// identical identity fields.
			dup["external_id"] = faker.UUID()
			payloads = append(payloads, dup)
			continue
		}

		scenario := seedScenarios[i%len(seedScenarios)]
		hostname := fmt.Sprintf("ws-%s-%02d", faker.Username(), faker.Number(1, 99))
		payload := map[string]interface{}{
			"external_id":      faker.UUID(),
			"title":            scenario.title,
			"description":      fmt.Sprintf("%s observed on %s by synthetic feed", scenario.title, hostname),
			"severity":         scenario.severity,
			"category":         scenario.category,
			"source_ip":        faker.IPv4Address(),
			"dest_ip":          faker.IPv4Address(),
			"hostname":         hostname,
			"mitre_techniques": scenario.techniques,
			"observables":      []string{faker.IPv4Address(), faker.DomainName()},
		}
		lastFresh = payload
		payloads = append(payloads, payload)
	}

	return payloads
}
