package util_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/netbirdio/swupdate/util"
)

var _ = Describe("Config", func() {

	var (
		tmpDir string
	)

	type TestConfig struct {
		Endpoint string
		Interval string
		Enabled  bool
		Labels   map[string]string
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "swupdate_util_test_tmp_*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		err := os.RemoveAll(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("in JSON format", func() {
		Context("with nested directories", func() {
			It("should be written and read successfully", func() {
				written := &TestConfig{
					Endpoint: "https://example.com/version",
					Interval: "5m",
					Enabled:  true,
					Labels:   map[string]string{"channel": "stable"},
				}

				cfgFile := filepath.Join(tmpDir, "nested", "config.json")
				err := util.WriteJson(context.Background(), cfgFile, written)
				Expect(err).NotTo(HaveOccurred())
				Expect(util.FileExists(cfgFile)).To(BeTrue())

				read, err := util.ReadJson(cfgFile, &TestConfig{})
				Expect(err).NotTo(HaveOccurred())
				Expect(read).To(Equal(written))

				entries, err := os.ReadDir(filepath.Dir(cfgFile))
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(HaveLen(1))
			})
		})

		Context("with a cancelled context", func() {
			It("should not write anything", func() {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()

				cfgFile := filepath.Join(tmpDir, "config.json")
				err := util.WriteJson(ctx, cfgFile, &TestConfig{})
				Expect(err).To(MatchError(context.Canceled))
				Expect(util.FileExists(cfgFile)).To(BeFalse())
			})
		})

		Context("with environment references", func() {
			It("should substitute variables", func() {
				Expect(os.Setenv("SWUPDATE_TEST_ENDPOINT", "https://updates.example.com/version")).To(Succeed())
				defer os.Unsetenv("SWUPDATE_TEST_ENDPOINT")

				cfgFile := filepath.Join(tmpDir, "config.json")
				content := `{"Endpoint": "{{ .SWUPDATE_TEST_ENDPOINT }}", "Enabled": true}`
				Expect(os.WriteFile(cfgFile, []byte(content), 0600)).To(Succeed())

				read, err := util.ReadJsonWithEnvSub(cfgFile, &TestConfig{})
				Expect(err).NotTo(HaveOccurred())
				Expect(read.(*TestConfig).Endpoint).To(Equal("https://updates.example.com/version"))
				Expect(read.(*TestConfig).Enabled).To(BeTrue())
			})
		})

		Context("with a missing file", func() {
			It("should fail", func() {
				_, err := util.ReadJson(filepath.Join(tmpDir, "missing.json"), &TestConfig{})
				Expect(err).To(HaveOccurred())
				Expect(util.FileExists(filepath.Join(tmpDir, "missing.json"))).To(BeFalse())
			})
		})
	})
})
