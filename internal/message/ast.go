package message

// Section is one top-level section of an inbound message. The concrete
// types are *TagsSection and *DataSection.
type Section interface {
	sectionName() string
}

// TagsSection is `<tags> "tag": "a,b" </tags>`.
type TagsSection struct {
	Key   string
	Value string
	Names []string
}

func (*TagsSection) sectionName() string { return "tags" }

// DataSection is `<data> "data": {...} </data>`. Body keeps the braces and
// is not decoded at this level.
type DataSection struct {
	Key  string
	Body string
}

func (*DataSection) sectionName() string { return "data" }

// Document is the section list of one message in source order. Text
// outside of recognised sections (including a <message> wrapper) is ignored.
type Document struct {
	Sections []Section
}

func (d *Document) Tags() *TagsSection {
	for _, s := range d.Sections {
		if t, ok := s.(*TagsSection); ok {
			return t
		}
	}
	return nil
}

func (d *Document) Data() *DataSection {
	for _, s := range d.Sections {
		if ds, ok := s.(*DataSection); ok {
			return ds
		}
	}
	return nil
}
