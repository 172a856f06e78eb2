package olctree

// MetadataPage holds the tree's root pointer, the only field that ever
// changes after the metadata page is created (spec.md section 3). It
// reuses CommonHeader's layout purely for its tag byte; none of the
// heap/count fields are meaningful for this page kind.
const metaRootOff = commonHeaderSize

func metaRoot(p *Page) PageID {
	return getPageID(p.buf[metaRootOff : metaRootOff+pageIDEncodedSize])
}

func setMetaRoot(p *Page, id PageID) {
	putPageID(p.buf[metaRootOff:metaRootOff+pageIDEncodedSize], id)
}

func initMetadata(g *Guard, root PageID) {
	p := g.Page()
	setPageTag(p, tagMetadata)
	setMetaRoot(p, root)
}
