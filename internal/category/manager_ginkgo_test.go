package category

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/got3nks/amule-web-controller-sub002/internal/model"
	"github.com/got3nks/amule-web-controller-sub002/internal/registry"
)

var _ = Describe("Manager", func() {
	var (
		mgr  *Manager
		dir  string
		ctx  = context.Background()
	)

	BeforeEach(func() {
		dir, _ = os.MkdirTemp("", "categories-*")
		mgr = New(filepath.Join(dir, "categories.json"), registry.New())
		Expect(mgr.Load()).To(Succeed())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("always has a Default category after Load", func() {
		all := mgr.GetAllForFrontend()
		var names []string
		for _, c := range all {
			names = append(names, c.Name)
		}
		Expect(names).To(ContainElement(DefaultName))
	})

	It("rejects renaming Default", func() {
		err := mgr.Rename(ctx, DefaultName, "NewName")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("Cannot rename Default category"))
	})

	It("rejects deleting Default", func() {
		err := mgr.Delete(ctx, DefaultName)
		Expect(err).To(HaveOccurred())
	})

	It("removes a category on Delete and it disappears from GetAllForFrontend", func() {
		Expect(mgr.Create(ctx, model.Category{Name: "X", Color: "#FF0000"})).To(Succeed())
		Expect(mgr.Delete(ctx, "X")).To(Succeed())
		for _, c := range mgr.GetAllForFrontend() {
			Expect(c.Name).NotTo(Equal("X"))
		}
	})

	It("translates paths via the longest prefix match and per-client mapping", func() {
		Expect(mgr.Create(ctx, model.Category{
			Name: "A",
			Path: "/srv/downloads/movies",
			PathMappings: map[string]string{"amule": "/data/movies"},
		})).To(Succeed())
		got := mgr.TranslatePath("/srv/downloads/movies/Film.iso", "amule", "amule-1")
		Expect(got).To(Equal("/data/movies/Film.iso"))
	})

	It("falls back to Default's client-rooted mapping when no category matches", func() {
		mgr.SetClientDefaultPath("amule-1", "/srv/downloads")
		def := mgr.categories[DefaultName]
		def.PathMappings = map[string]string{"amule": "/data"}
		got := mgr.TranslatePath("/srv/downloads/misc/x", "amule", "amule-1")
		Expect(got).To(Equal("/data/misc/x"))
	})
})
